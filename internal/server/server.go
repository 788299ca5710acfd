// Package server exposes a read-only HTTP view of runs, locks and metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xerilium/catalyst/internal/lock"
	"github.com/xerilium/catalyst/internal/state"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

const shutdownTimeout = 5 * time.Second

// RunReader is the part of the state store the server reads.
type RunReader interface {
	ListActiveRuns() ([]string, error)
	Load(runID string) (*state.RunState, error)
	LoadArchived(runID string) (*state.RunState, error)
}

// LockLister lists held locks.
type LockLister interface {
	AllLocks() ([]lock.Lock, error)
}

// RunSummary is one row of GET /runs.
type RunSummary struct {
	RunID          string       `json:"runId"`
	PlaybookName   string       `json:"playbookName"`
	Status         state.Status `json:"status"`
	StartTime      time.Time    `json:"startTime"`
	CurrentStep    string       `json:"currentStepName,omitempty"`
	CompletedSteps int          `json:"completedSteps"`
	ResumeCount    int          `json:"resumeCount,omitempty"`
}

// Server serves the status API.
type Server struct {
	runs     RunReader
	locks    LockLister
	gatherer prometheus.Gatherer
	log      catlog.Logger
	router   *gin.Engine
}

// New builds the router. gatherer may be nil, in which case /metrics is not
// registered.
func New(runs RunReader, locks LockLister, gatherer prometheus.Gatherer, log catlog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{runs: runs, locks: locks, gatherer: gatherer, log: log, router: gin.New()}
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/runs", s.handleListRuns)
	s.router.GET("/runs/:id", s.handleGetRun)
	s.router.GET("/locks", s.handleListLocks)
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler returns the router for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Status server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.log.Infof("Shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListRuns returns a summary of every active run. Runs whose files
// cannot be read are reported under "errors" instead of failing the listing.
func (s *Server) handleListRuns(c *gin.Context) {
	ids, err := s.runs.ListActiveRuns()
	if err != nil {
		s.log.Errorf("Listing runs failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	statusFilter := state.Status(c.Query("status"))
	summaries := make([]RunSummary, 0, len(ids))
	problems := make(map[string]string)
	for _, id := range ids {
		st, err := s.runs.Load(id)
		if err != nil {
			problems[id] = err.Error()
			continue
		}
		if statusFilter != "" && st.Status != statusFilter {
			continue
		}
		summaries = append(summaries, summarize(st))
	}

	body := gin.H{"runs": summaries}
	if len(problems) > 0 {
		body["errors"] = problems
	}
	c.JSON(http.StatusOK, body)
}

// handleGetRun returns the persisted record of an active or archived run.
func (s *Server) handleGetRun(c *gin.Context) {
	id := c.Param("id")
	st, err := s.runs.Load(id)
	if errors.Is(err, state.ErrNotFound) {
		st, err = s.runs.LoadArchived(id)
	}
	switch {
	case errors.Is(err, state.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "run " + id + " not found"})
	case err != nil:
		s.log.Errorf("Loading run %s failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	default:
		c.JSON(http.StatusOK, st)
	}
}

func (s *Server) handleListLocks(c *gin.Context) {
	locks, err := s.locks.AllLocks()
	if err != nil {
		s.log.Errorf("Listing locks failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if locks == nil {
		locks = []lock.Lock{}
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

func summarize(st *state.RunState) RunSummary {
	return RunSummary{
		RunID:          st.RunID,
		PlaybookName:   st.PlaybookName,
		Status:         st.Status,
		StartTime:      st.StartTime,
		CurrentStep:    st.CurrentStepName,
		CompletedSteps: len(st.CompletedSteps),
		ResumeCount:    st.ResumeCount,
	}
}
