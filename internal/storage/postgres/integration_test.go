//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/hash/sha256"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/submission"
)

type StoreIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	dsn       string
	store     *Store
}

func (s *StoreIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := tcpostgres.Run(s.ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ampcompat"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.dsn = dsn
	s.Require().NoError(Migrate(dsn, zap.NewNop()))
	// A second run finds nothing to apply.
	s.Require().NoError(Migrate(dsn, zap.NewNop()))

	s.store, err = New(s.ctx, Config{DSN: dsn, MaxConns: 4, MinConns: 1})
	s.Require().NoError(err)
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(StoreIntegrationSuite))
}

func (s *StoreIntegrationSuite) expand(jobID string) ingest.Submission {
	payload, err := os.ReadFile("../../submission/testdata/submission.json")
	s.Require().NoError(err)
	sub, err := submission.NewExpander(sha256.New()).Expand(jobID, payload)
	s.Require().NoError(err)
	return sub
}

func (s *StoreIntegrationSuite) TestPersistSubmissionTwiceIsIdempotent() {
	sub := s.expand("job-1")
	s.Require().NoError(s.store.PersistSubmission(s.ctx, sub))
	s.Require().NoError(s.store.PersistSubmission(s.ctx, sub))

	req, err := s.store.GetSiteRequest(s.ctx, sub.UUID)
	s.Require().NoError(err)
	s.Equal(ingest.RequestActive, req.Status)

	for _, rec := range sub.Records {
		var n int
		err := s.store.pool.QueryRow(s.ctx, "SELECT count(*) FROM "+rec.Entity.Table).Scan(&n)
		s.Require().NoError(err)
		s.Positive(n, rec.Entity.Table)
	}
}

func (s *StoreIntegrationSuite) TestStatusOnlyMovesForward() {
	sub := s.expand("job-2")
	sub.UUID = "integration-forward"
	s.Require().NoError(s.store.PersistSubmission(s.ctx, sub))

	moved, err := s.store.AdvanceSiteRequest(s.ctx, sub.UUID, ingest.RequestSucceeded)
	s.Require().NoError(err)
	s.True(moved)

	moved, err = s.store.AdvanceSiteRequest(s.ctx, sub.UUID, ingest.RequestActive)
	s.Require().NoError(err)
	s.False(moved)

	s.Require().NoError(s.store.PersistSubmission(s.ctx, sub))
	req, err := s.store.GetSiteRequest(s.ctx, sub.UUID)
	s.Require().NoError(err)
	s.Equal(ingest.RequestSucceeded, req.Status)
}

func (s *StoreIntegrationSuite) TestRegisterThenSubmit() {
	site, req, err := submission.Registration("https://registered.example.com", "integration-waiting")
	s.Require().NoError(err)
	s.Require().NoError(s.store.RegisterSiteRequest(s.ctx, site, req))

	got, err := s.store.GetSiteRequest(s.ctx, req.UUID)
	s.Require().NoError(err)
	s.Equal(ingest.RequestWaiting, got.Status)

	err = s.store.RegisterSiteRequest(s.ctx, site, req)
	s.ErrorIs(err, ingest.ErrInvalidTransition)
}

func (s *StoreIntegrationSuite) TestSyntheticJobs() {
	job := ingest.SyntheticJob{ID: "synthetic-1", Domain: "synthetic.example.com", Status: ingest.JobStatusPending, Payload: []byte(`{"plugins":["amp"]}`)}
	s.Require().NoError(s.store.CreateSyntheticJob(s.ctx, job))

	job.Status = ingest.JobStatusSucceeded
	job.Logs = "built"
	s.Require().NoError(s.store.UpdateSyntheticJob(s.ctx, job))

	got, err := s.store.GetSyntheticJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(ingest.JobStatusSucceeded, got.Status)
	s.Equal("built", got.Logs)

	_, err = s.store.GetSyntheticJob(s.ctx, "missing")
	s.ErrorIs(err, ingest.ErrNotFound)
}

func (s *StoreIntegrationSuite) columnWidth(table, column string) *int {
	var width *int
	err := s.store.pool.QueryRow(s.ctx,
		"SELECT character_maximum_length FROM information_schema.columns WHERE table_name = $1 AND column_name = $2",
		table, column).Scan(&width)
	s.Require().NoError(err)
	return width
}

func (s *StoreIntegrationSuite) TestWidenTextRoundTrip() {
	src, err := iofs.New(migrationFS, "migrations")
	s.Require().NoError(err)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(s.dsn))
	s.Require().NoError(err)
	defer m.Close()

	s.Require().NoError(m.Steps(-1))
	for _, col := range [][2]string{
		{"sites", "site_title"},
		{"authors", "display_name"},
		{"amp_validated_urls", "page_url"},
		{"url_error_relationships", "page_url"},
	} {
		width := s.columnWidth(col[0], col[1])
		s.Require().NotNil(width, col[0])
		s.Equal(255, *width, col[0])
	}

	s.Require().NoError(m.Up())
	s.Nil(s.columnWidth("sites", "site_title"))
}
