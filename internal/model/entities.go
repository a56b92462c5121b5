package model

import "github.com/rtCamp/amp-compatibility-sub001/internal/validate"

// Site is a WordPress installation, keyed by its URL.
var Site = &Entity{
	Name:  "site",
	Table: "sites",
	Key:   []string{"site_url"},
	Columns: []string{
		"site_url", "site_title", "php_version", "mysql_version", "wp_version", "wp_language",
		"wp_https_status", "wp_multisite", "object_cache_status", "libxml_version",
		"is_defined_curl_multi", "loopback_requests", "amp_mode", "amp_version",
		"amp_plugin_configured", "amp_all_templates_supported", "amp_supported_post_types",
		"amp_supported_templates", "amp_mobile_redirect", "amp_reader_theme",
	},
	Defaults: map[string]any{
		"object_cache_status":         false,
		"wp_https_status":             false,
		"wp_multisite":                false,
		"is_defined_curl_multi":       false,
		"amp_plugin_configured":       false,
		"amp_all_templates_supported": false,
		"amp_mobile_redirect":         false,
	},
	Rules: validate.Rules{
		"site_url":                    "required|url|max:255",
		"site_title":                  "string|max:255",
		"php_version":                 "version|max:50",
		"mysql_version":               "string|max:100",
		"wp_version":                  "version|max:50",
		"wp_language":                 "string|max:20",
		"wp_https_status":             "boolean",
		"wp_multisite":                "boolean",
		"object_cache_status":         "boolean",
		"libxml_version":              "version|max:50",
		"is_defined_curl_multi":       "boolean",
		"loopback_requests":           "string",
		"amp_mode":                    "in:standard,transitional,reader",
		"amp_version":                 "version|max:50",
		"amp_plugin_configured":       "boolean",
		"amp_all_templates_supported": "boolean",
		"amp_mobile_redirect":         "boolean",
		"amp_reader_theme":            "string|max:255",
	},
	Sanitizers: validate.Sanitizers{
		"site_url":                    "url",
		"site_title":                  "strip_tags|trim",
		"wp_https_status":             "bool",
		"wp_multisite":                "bool",
		"object_cache_status":         "bool",
		"is_defined_curl_multi":       "bool",
		"amp_plugin_configured":       "bool",
		"amp_all_templates_supported": "bool",
		"amp_mobile_redirect":         "bool",
		"amp_supported_post_types":    "json",
		"amp_supported_templates":     "json",
		"amp_reader_theme":            "trim",
	},
	AnalyticsTable: "sites",
}

// SiteRequest is one submission request of a site.
var SiteRequest = &Entity{
	Name:    "site_request",
	Table:   "site_requests",
	Key:     []string{"uuid"},
	Columns: []string{"uuid", "site_url", "status", "is_synthetic"},
	Defaults: map[string]any{
		"status":       "pending",
		"is_synthetic": false,
	},
	Rules: validate.Rules{
		"uuid":         "required|string|max:64",
		"site_url":     "required|url|max:255",
		"status":       "in:waiting,pending,active,succeeded,failed",
		"is_synthetic": "boolean",
	},
	Sanitizers: validate.Sanitizers{
		"uuid":         "trim",
		"site_url":     "url",
		"is_synthetic": "bool",
	},
	References:     []Reference{{Column: "site_url", Entity: "site"}},
	AnalyticsTable: "site_requests",
}

// Author is a plugin or theme author, keyed by profile URL.
var Author = &Entity{
	Name:    "author",
	Table:   "authors",
	Key:     []string{"profile"},
	Columns: []string{"profile", "user_nicename", "display_name", "avatar_url", "status"},
	Defaults: map[string]any{
		"status": "active",
	},
	Rules: validate.Rules{
		"profile":       "required|url|max:255",
		"user_nicename": "string|max:255",
		"display_name":  "string|max:255",
		"avatar_url":    "url",
		"status":        "string|max:20",
	},
	Sanitizers: validate.Sanitizers{
		"profile":       "url",
		"user_nicename": "slug",
		"display_name":  "strip_tags|trim",
		"avatar_url":    "url",
	},
	AnalyticsTable: "authors",
}

// Extension is a plugin or theme, keyed by "<type>-<slug>".
var Extension = &Entity{
	Name:    "extension",
	Table:   "extensions",
	Key:     []string{"extension_slug"},
	Columns: []string{"extension_slug", "name", "slug", "type", "latest_version", "homepage", "is_wporg"},
	Defaults: map[string]any{
		"is_wporg": false,
	},
	Rules: validate.Rules{
		"extension_slug": "required|string|max:255",
		"name":           "required|string|max:255",
		"slug":           "required|string|max:255",
		"type":           "required|in:plugin,theme",
		"latest_version": "version|max:50",
		"homepage":       "url",
		"is_wporg":       "boolean",
	},
	Sanitizers: validate.Sanitizers{
		"name":     "strip_tags|trim",
		"slug":     "slug",
		"homepage": "url",
		"is_wporg": "bool",
	},
	AnalyticsTable: "extensions",
}

// ExtensionVersion is one released version of an extension.
var ExtensionVersion = &Entity{
	Name:    "extension_version",
	Table:   "extension_versions",
	Key:     []string{"extension_version_slug"},
	Columns: []string{"extension_version_slug", "extension_slug", "version", "has_synthetic_data", "verification_status"},
	Defaults: map[string]any{
		"has_synthetic_data":  false,
		"verification_status": "unknown",
	},
	Rules: validate.Rules{
		"extension_version_slug": "required|string|max:255",
		"extension_slug":         "required|string|max:255",
		"version":                "required|version|max:50",
		"has_synthetic_data":     "boolean",
		"verification_status":    "in:pass,fail,unknown",
	},
	Sanitizers: validate.Sanitizers{
		"has_synthetic_data": "bool",
	},
	References:     []Reference{{Column: "extension_slug", Entity: "extension"}},
	AnalyticsTable: "extension_versions",
}

// AuthorRelationship links an extension to an author.
var AuthorRelationship = &Entity{
	Name:       "author_relationship",
	Table:      "author_relationships",
	Key:        []string{HashColumn},
	HashFields: []string{"extension_slug", "profile"},
	Columns:    []string{HashColumn, "extension_slug", "profile"},
	Rules: validate.Rules{
		"extension_slug": "required|string|max:255",
		"profile":        "required|url|max:255",
	},
	Sanitizers: validate.Sanitizers{
		"profile": "url",
	},
	References: []Reference{
		{Column: "extension_slug", Entity: "extension"},
		{Column: "profile", Entity: "author"},
	},
	AnalyticsTable: "author_relationships",
}

// SiteToExtension records an extension version installed on a site.
var SiteToExtension = &Entity{
	Name:    "site_to_extension",
	Table:   "site_to_extensions",
	Key:     []string{"site_url", "extension_version_slug"},
	Columns: []string{"site_url", "extension_version_slug", "is_active", "amp_suppressed"},
	Defaults: map[string]any{
		"is_active": false,
	},
	Rules: validate.Rules{
		"site_url":               "required|url|max:255",
		"extension_version_slug": "required|string|max:255",
		"is_active":              "boolean",
		"amp_suppressed":         "version|max:50",
	},
	Sanitizers: validate.Sanitizers{
		"site_url":  "url",
		"is_active": "bool",
	},
	References: []Reference{
		{Column: "site_url", Entity: "site"},
		{Column: "extension_version_slug", Entity: "extension_version"},
	},
	AnalyticsTable: "site_to_extensions",
}

// Error is one AMP validation error kind.
var Error = &Entity{
	Name:    "error",
	Table:   "errors",
	Key:     []string{"error_slug"},
	Columns: []string{"error_slug", "error_code", "type", "node_name", "parent_name", "node_attributes", "text"},
	Rules: validate.Rules{
		"error_slug":  "required|string|max:255",
		"error_code":  "required|string|max:255",
		"type":        "string|max:255",
		"node_name":   "string|max:255",
		"parent_name": "string|max:255",
		"text":        "string",
	},
	Sanitizers: validate.Sanitizers{
		"node_attributes": "json",
	},
	AnalyticsTable: "errors",
}

// ErrorSource is the plugin, theme or core code that produced an error.
var ErrorSource = &Entity{
	Name:  "error_source",
	Table: "error_sources",
	Key:   []string{"error_source_slug"},
	Columns: []string{
		"error_source_slug", "extension_version_slug", "type", "name", "file", "line",
		"function", "hook", "priority", "handle",
	},
	Rules: validate.Rules{
		"error_source_slug":      "required|string|max:255",
		"extension_version_slug": "string|max:255",
		"type":                   "string|max:50",
		"name":                   "string|max:255",
		"file":                   "string",
		"line":                   "integer|max:2147483647",
		"function":               "string|max:255",
		"hook":                   "string|max:255",
		"priority":               "integer|max:2147483647",
		"handle":                 "string|max:255",
	},
	Sanitizers: validate.Sanitizers{
		"line":     "int",
		"priority": "int",
	},
	References: []Reference{
		{Column: "extension_version_slug", Entity: "extension_version", Nullable: true},
	},
	AnalyticsTable: "error_sources",
}

// AmpValidatedURL is one page of a site checked by the AMP validator.
var AmpValidatedURL = &Entity{
	Name:  "amp_validated_url",
	Table: "amp_validated_urls",
	Key:   []string{"page_url"},
	Columns: []string{
		"page_url", "site_url", "object_type", "object_subtype", "css_size_before",
		"css_size_after", "css_size_excluded", "css_budget_percentage",
	},
	Defaults: map[string]any{
		"css_size_before":       0,
		"css_size_after":        0,
		"css_size_excluded":     0,
		"css_budget_percentage": 0,
	},
	Rules: validate.Rules{
		"page_url":              "required|url",
		"site_url":              "required|url|max:255",
		"object_type":           "string|max:100",
		"object_subtype":        "string|max:100",
		"css_size_before":       "integer|max:2147483647",
		"css_size_after":        "integer|max:2147483647",
		"css_size_excluded":     "integer|max:2147483647",
		"css_budget_percentage": "numeric",
	},
	Sanitizers: validate.Sanitizers{
		"page_url":              "url",
		"site_url":              "url",
		"css_size_before":       "int",
		"css_size_after":        "int",
		"css_size_excluded":     "int",
		"css_budget_percentage": "float",
	},
	References:     []Reference{{Column: "site_url", Entity: "site"}},
	AnalyticsTable: "amp_validated_urls",
}

// URLErrorRelationship links a validated page, an error and its source.
var URLErrorRelationship = &Entity{
	Name:       "url_error_relationship",
	Table:      "url_error_relationships",
	Key:        []string{HashColumn},
	HashFields: []string{"page_url", "error_slug", "error_source_slug"},
	Columns:    []string{HashColumn, "page_url", "error_slug", "error_source_slug"},
	Rules: validate.Rules{
		"page_url":          "required|url",
		"error_slug":        "required|string|max:255",
		"error_source_slug": "string|max:255",
	},
	Sanitizers: validate.Sanitizers{
		"page_url": "url",
	},
	References: []Reference{
		{Column: "page_url", Entity: "amp_validated_url"},
		{Column: "error_slug", Entity: "error"},
		{Column: "error_source_slug", Entity: "error_source", Nullable: true},
	},
	AnalyticsTable: "url_error_relationships",
}

// All lists the entities in foreign-key order: parents before children.
var All = []*Entity{
	Site,
	SiteRequest,
	Author,
	Extension,
	ExtensionVersion,
	AuthorRelationship,
	SiteToExtension,
	Error,
	ErrorSource,
	AmpValidatedURL,
	URLErrorRelationship,
}

// ByName returns the entity called name.
func ByName(name string) (*Entity, bool) {
	for _, e := range All {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}
