package processor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run blocks until ctx is cancelled. With a telemetry listen address the
// form serves /metrics and the /state inspector; with hot reload enabled
// the schema files are polled once a second and swapped in on change.
func (f *Form) Run(ctx context.Context) error {
	cfg := f.Config()
	if cfg == nil {
		return errors.New("form is closed")
	}

	if listen := cfg.Telemetry.Listen; listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/state", f.Inspector())

		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return err
		}
		server := &http.Server{Handler: mux}
		go func() {
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				f.logger.Error().Err(err).Msg("inspector server stopped")
			}
		}()
		f.logger.Info().Str("listen", ln.Addr().String()).Msg("inspector started")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && err != context.Canceled {
				f.logger.Error().Err(err).Msg("shutdown inspector")
			}
		}()
	}

	if f.watcher == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			changes, err := f.watcher.Check()
			if err != nil {
				f.logger.Error().Err(err).Msg("failed to check schema changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			if err := f.Reload(ctx); err != nil {
				f.logger.Error().Err(err).Msg("schema reload failed")
				continue
			}
			for _, file := range changes {
				f.collector.IncSchemaReload(file)
			}
			f.logger.Info().Strs("files", changes).Msg("schema reloaded")
		}
	}
}
