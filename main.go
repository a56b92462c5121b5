// The main package for the ampcompat executable.
package main

import (
	"github.com/rtCamp/amp-compatibility-sub001/cmd"
)

func main() {
	cmd.Execute()
}
