package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// TLSFiles selects HTTPS when both paths are set.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

func (t TLSFiles) enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// RedirectHandler sends every plaintext request to the same host and path on
// the HTTPS port.
func RedirectHandler(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		target := "https://" + net.JoinHostPort(host, strconv.Itoa(httpsPort)) + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// ListenAndServe binds addr and serves h until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, tls TLSFiles) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls.enabled() {
			log.Info().Str("module", "adapters.http").Str("addr", addr).Msg("https listening")
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			log.Info().Str("module", "adapters.http").Str("addr", addr).Msg("http listening")
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("addr", addr).Msg("forced shutdown")
		return err
	}
	log.Info().Str("module", "adapters.http").Str("addr", addr).Msg("server stopped")
	return nil
}
