package edge

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// ConfigureLogging builds the service logger from the logging section.
func ConfigureLogging(cfg Config, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// AccessLogger wraps handler with an access log. Text logs use the combined
// log format; JSON logs get one structured entry per request.
func AccessLogger(handler http.Handler, cfg Config, log *logrus.Logger) http.Handler {
	if cfg.Logging.Format == "text" {
		return handlers.CombinedLoggingHandler(log.WriterLevel(logrus.InfoLevel), handler)
	}
	return handlers.CustomLoggingHandler(io.Discard, handler, func(_ io.Writer, p handlers.LogFormatterParams) {
		log.WithFields(logrus.Fields{
			"method": p.Request.Method,
			"uri":    p.URL.RequestURI(),
			"host":   p.Request.Host,
			"status": p.StatusCode,
			"size":   p.Size,
		}).Info("access")
	})
}

// LogRequest returns an entry carrying the request host and path.
func LogRequest(log logrus.FieldLogger, r *http.Request) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"host":   r.Host,
		"method": r.Method,
		"path":   r.URL.Path,
	})
}
