package observability

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Placeholders for identities the environment did not supply.
const (
	UnknownUser = "unknown-user"
	UnknownIP   = "unknown-ip"
)

var (
	ansiPattern  = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)
	spacePattern = regexp.MustCompile(` {2,}`)
)

// Redact makes msg safe for a one-line audit record: color sequences are
// stripped, tabs and newlines become spaces, and runs of spaces collapse.
func Redact(msg string) string {
	msg = ansiPattern.ReplaceAllString(msg, "")
	msg = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(msg)
	msg = spacePattern.ReplaceAllString(msg, " ")
	return strings.TrimSpace(msg)
}

// AuditConfig configures the audit file.
type AuditConfig struct {
	// File is the audit log path; empty disables auditing.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Auditor writes JSON audit records, one per user-visible event.
type Auditor struct {
	base   *zap.Logger
	closer io.Closer
}

// NewAuditor opens the rotating audit file described by cfg.
func NewAuditor(cfg AuditConfig) (*Auditor, error) {
	if cfg.File == "" {
		return NopAuditor(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	a := NewAuditorTo(zapcore.AddSync(lj))
	a.closer = lj
	return a, nil
}

// NopAuditor discards every record.
func NopAuditor() *Auditor {
	return &Auditor{base: zap.NewNop()}
}

// NewAuditorTo writes audit records to ws.
func NewAuditorTo(ws zapcore.WriteSyncer) *Auditor {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zapcore.InfoLevel)
	return &Auditor{base: zap.New(core)}
}

// For returns an audit log bound to one request. A missing requestID is
// generated.
func (a *Auditor) For(user, ip, requestID string) *AuditLog {
	if user == "" {
		user = UnknownUser
	}
	if ip == "" {
		ip = UnknownIP
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &AuditLog{
		RequestID: requestID,
		l: a.base.With(
			zap.String("user", user),
			zap.String("ip", ip),
			zap.String("request_id", requestID)),
	}
}

// Close flushes and closes the audit file.
func (a *Auditor) Close() error {
	_ = a.base.Sync()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// AuditLog records events for one request.
type AuditLog struct {
	RequestID string
	l         *zap.Logger
}

func (l *AuditLog) Info(msg string, fields ...zap.Field) {
	l.l.Info(Redact(msg), fields...)
}

func (l *AuditLog) Warn(msg string, fields ...zap.Field) {
	l.l.Warn(Redact(msg), fields...)
}

func (l *AuditLog) Error(msg string, fields ...zap.Field) {
	l.l.Error(Redact(msg), fields...)
}
