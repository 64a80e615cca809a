package admin

import (
	"encoding/json"
	"net/http"
	"time"

	gorpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// Path the JSON-RPC endpoint is mounted at.
const Path = "/rpc"

const maxBodyBytes = 1 << 20

// Handler mounts svc as "Admin" at Path plus an unauthenticated /health.
// tokenHash is a bcrypt hash (see HashToken); empty restricts to loopback.
func Handler(svc *Service, tokenHash string, log *zap.Logger) (http.Handler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("admin")
	server := gorpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(svc, "Admin"); err != nil {
		return nil, err
	}
	server.RegisterAfterFunc(func(i *gorpc.RequestInfo) {
		if i.Error != nil {
			log.Warn("admin call failed", zap.String("method", i.Method), zap.Error(i.Error))
		}
	})

	mux := http.NewServeMux()
	mux.Handle(Path, requireToken(tokenHash, limitBody(server)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "peer": svc.node.LocalID().String()})
	})
	return logRequest(log, mux), nil
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func logRequest(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.code >= 400 {
			log.Info("admin request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
				zap.Int("status", sw.code), zap.Duration("took", time.Since(start)))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
