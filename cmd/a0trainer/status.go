package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/janpfeifer/blokusGo/internal/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// roundHandler serves the number of rounds completed, as plain text. Long-running self-play clients poll it
// to know when to reload the model.
func roundHandler(round func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "%d\n", round())
	}
}

// serveStatus serves the round status at addr until ctx is cancelled.
func serveStatus(ctx context.Context, addr string, controller *trainer.Controller) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /round", roundHandler(controller.Round))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %q for the status server (-status_addr)", addr)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Status server on %s failed: %v", listener.Addr(), err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	klog.Infof("Serving round status on http://%s/round", listener.Addr())
	return nil
}
