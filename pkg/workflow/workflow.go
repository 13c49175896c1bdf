// Package workflow sequences the initialization pipeline: shared directory
// setup, reference dataset fetches, artifact build, and publication.
package workflow

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/swot-confluence/init-workflow/pkg/config"
	"github.com/swot-confluence/init-workflow/pkg/dataset"
	"github.com/swot-confluence/init-workflow/pkg/efs"
	"github.com/swot-confluence/init-workflow/pkg/publish"
	"github.com/swot-confluence/init-workflow/pkg/reachset"
	"github.com/swot-confluence/init-workflow/pkg/s3store"
)

// State is the coordinator's position in the pipeline. Transitions follow the
// listed order; Failed is reachable from every non-terminal state.
type State string

const (
	StateStart            State = "Start"
	StateDirectoriesReady State = "DirectoriesReady"
	StateDatasetsReady    State = "DatasetsReady"
	StateArtifactBuilt    State = "ArtifactBuilt"
	StatePublished        State = "Published"
	StateDone             State = "Done"
	StateFailed           State = "Failed"
)

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateDone && from != StateFailed
	}
	switch from {
	case StateStart:
		return to == StateDirectoriesReady
	case StateDirectoriesReady:
		return to == StateDatasetsReady
	case StateDatasetsReady:
		return to == StateArtifactBuilt
	case StateArtifactBuilt:
		return to == StatePublished
	case StatePublished:
		return to == StateDone
	default:
		return false
	}
}

// Workflow coordinates the initialization run. Each stage hands its output to
// the next; there is no shared mutable state between stages.
type Workflow struct {
	logger    log.FieldLogger
	cfg       config.Config
	locator   *efs.Locator
	fetcher   *dataset.Fetcher
	publisher *publish.Publisher
	state     State
	now       func() time.Time
}

func New(logger log.FieldLogger, cfg config.Config, store *s3store.Store) *Workflow {
	return &Workflow{
		logger:  logger,
		cfg:     cfg,
		locator: efs.NewLocator(logger, efs.DefaultDirectories(cfg.Mounts)),
		fetcher: dataset.NewFetcher(logger, store, dataset.Options{
			MaxAttempts:   cfg.MaxAttempts,
			RetryInterval: cfg.RetryInterval,
			Timeout:       cfg.FetchTimeout,
		}),
		publisher: publish.NewPublisher(logger, store, publish.Options{
			MaxAttempts:   cfg.MaxAttempts,
			RetryInterval: cfg.RetryInterval,
			Timeout:       cfg.FetchTimeout,
		}),
		state: StateStart,
		now:   time.Now,
	}
}

// State returns the coordinator's current state.
func (w *Workflow) State() State {
	return w.state
}

func (w *Workflow) transition(to State) error {
	if !isAllowedTransition(w.state, to) {
		return fmt.Errorf("invalid workflow transition %s -> %s", w.state, to)
	}
	w.state = to
	w.logger.WithField("state", string(to)).Debug("workflow state change")
	return nil
}

// Run drives the pipeline to completion. On any stage failure the workflow
// enters Failed, logs the originating error, and returns it; no later stage
// runs.
func (w *Workflow) Run(ctx context.Context) error {
	if err := w.run(ctx); err != nil {
		if isAllowedTransition(w.state, StateFailed) {
			w.state = StateFailed
		}
		w.logger.WithError(err).Error("workflow failed")
		return err
	}
	return nil
}

func (w *Workflow) run(ctx context.Context) error {
	if err := w.locator.Setup(); err != nil {
		return err
	}
	if err := w.transition(StateDirectoriesReady); err != nil {
		return err
	}

	if err := w.fetchDatasets(ctx); err != nil {
		return err
	}
	if err := w.transition(StateDatasetsReady); err != nil {
		return err
	}

	reachesPath, err := w.reachesPath()
	if err != nil {
		return err
	}
	artifact, err := reachset.Build(reachesPath, w.now().UTC())
	if err != nil {
		return err
	}
	if err := w.transition(StateArtifactBuilt); err != nil {
		return err
	}
	w.logger.WithFields(log.Fields{
		"continents": len(artifact.Continents),
		"reaches":    artifact.ReachCount,
	}).Info("built continent-setfinder artifact")

	data, err := artifact.Encode()
	if err != nil {
		return err
	}
	receipt, err := w.publisher.Publish(ctx, w.cfg.PublishBucket, w.cfg.PublishKey, data)
	if err != nil {
		return err
	}
	if err := w.transition(StatePublished); err != nil {
		return err
	}

	if err := w.transition(StateDone); err != nil {
		return err
	}
	w.logger.WithFields(log.Fields{
		"bucket": receipt.Bucket,
		"key":    receipt.Key,
	}).Info("initialization complete")
	return nil
}

// fetchDatasets runs the dataset fetches concurrently, one goroutine per
// dataset, each with its own private staging directory. All fetches are
// joined before the workflow moves on.
func (w *Workflow) fetchDatasets(ctx context.Context) error {
	results := make([]dataset.FetchResult, len(w.cfg.Datasets))

	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range w.cfg.Datasets {
		i, desc := i, desc
		g.Go(func() error {
			results[i] = w.fetcher.Fetch(gctx, desc)
			return results[i].Err
		})
	}
	err := g.Wait()

	for _, result := range results {
		entry := w.logger.WithFields(log.Fields{
			"dataset": result.Dataset,
			"outcome": string(result.Outcome),
		})
		if result.Err != nil {
			entry.WithError(result.Err).Error("dataset fetch failed")
		} else {
			entry.Info("dataset ready")
		}
	}
	return err
}

// reachesPath locates the reaches-of-interest input file. With a configured
// subset key the path is fixed; otherwise the workflow falls back to a subset
// file left on shared storage by an earlier run.
func (w *Workflow) reachesPath() (string, error) {
	dir := w.cfg.ReachesDir()
	if w.cfg.ReachSubsetKey != "" {
		return filepath.Join(dir, path.Base(w.cfg.ReachSubsetKey)), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no reaches-of-interest input available: %v", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".json") && entry.Name() != dataset.SentinelName {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no reaches-of-interest input available in '%s'", dir)
}

// Plan logs what a run would do without mutating local or remote state.
func (w *Workflow) Plan() {
	for _, d := range w.locator.Directories() {
		if _, err := os.Stat(d.Path); err != nil {
			w.logger.Infof("directory %s would be created", d.Path)
		} else {
			w.logger.Infof("directory %s exists", d.Path)
		}
	}
	for _, desc := range w.cfg.Datasets {
		if dataset.Present(desc) {
			w.logger.Infof("dataset %s is present at %s, no fetch needed", desc.Name, desc.Dest)
		} else {
			w.logger.Infof("dataset %s would be fetched from 's3://%s/%s'", desc.Name, desc.Bucket, desc.Prefix)
		}
	}
	w.logger.Infof("artifact would be published to 's3://%s/%s'", w.cfg.PublishBucket, w.cfg.PublishKey)
}
