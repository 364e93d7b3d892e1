package bench

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

const pingAPI = "/ping"

type statusHandler struct {
	runner *Runner
	rd     *render.Render
}

func newStatusHandler(runner *Runner, rd *render.Render) *statusHandler {
	return &statusHandler{
		runner: runner,
		rd:     rd,
	}
}

func (h *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.runner.Progress())
}

type confHandler struct {
	cfg *config.Config
	rd  *render.Render
}

func newConfHandler(cfg *config.Config, rd *render.Render) *confHandler {
	return &confHandler{
		cfg: cfg,
		rd:  rd,
	}
}

func (h *confHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.cfg)
}

func createRouter(cfg *config.Config, runner *Runner) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/status", newStatusHandler(runner, rd).Get).Methods("GET")
	router.HandleFunc("/api/v1/config", newConfHandler(cfg, rd).Get).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	return router
}

// NewHandler returns the HTTP handler of the status server.
func NewHandler(cfg *config.Config, runner *Runner) http.Handler {
	engine := negroni.New(negroni.NewRecovery())
	engine.UseHandler(createRouter(cfg, runner))
	return engine
}

// StatusServer exposes the progress of a runner, the config and the prometheus
// metrics over HTTP.
type StatusServer struct {
	srv *http.Server
}

func NewStatusServer(cfg *config.Config, runner *Runner) *StatusServer {
	return &StatusServer{
		srv: &http.Server{
			Addr:    cfg.Bench.StatusAddr,
			Handler: NewHandler(cfg, runner),
		},
	}
}

// Start serves in the background until Close is called.
func (s *StatusServer) Start() {
	go func() {
		log.Info("status server started", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
}

func (s *StatusServer) Close(ctx context.Context) error {
	return errors.Trace(s.srv.Shutdown(ctx))
}
