package tlbtree

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/icza/backscanner"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// journal is the append-only session log kept next to the pool file. It
// records opens, closes and rebuilds as JSON lines, giving operators a
// history that survives the pool's own entrance flags.
type journal struct {
	file *os.File
	log  *zap.Logger
}

func journalPath(poolPath string) string {
	return poolPath + ".journal"
}

// openJournal appends to the journal at poolPath+".journal". The tail
// of an existing journal is scanned first: when the last recorded event
// is not a close, the previous session ended abruptly and that is
// surfaced on lg.
func openJournal(poolPath string, lg *zap.Logger) (*journal, error) {
	path := journalPath(poolPath)

	if last, err := lastJournalLine(path); err == nil && last != "" {
		if !strings.Contains(last, `"event":"closed"`) {
			lg.Warn("session journal does not end with a close",
				zap.String("journal", path),
				zap.String("last_event", last))
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "event"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(file), zap.InfoLevel)
	return &journal{file: file, log: zap.New(core)}, nil
}

// lastJournalLine returns the last non-empty line of the journal file,
// reading backwards from the end.
func lastJournalLine(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || info.Size() == 0 {
		return "", err
	}

	scanner := backscanner.New(file, int(info.Size()))
	for {
		line, _, err := scanner.Line()
		if err != nil {
			return "", nil // beginning of file reached
		}
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
}

func (j *journal) opened(instance uuid.UUID, wasClean bool) {
	j.log.Info("opened",
		zap.String("instance", instance.String()),
		zap.Bool("previous_close_clean", wasClean))
}

func (j *journal) rebuilt(mode string, subroots int) {
	j.log.Info("rebuilt",
		zap.String("mode", mode),
		zap.Int("subroots", subroots))
}

func (j *journal) closed() {
	j.log.Info("closed")
}

func (j *journal) close() error {
	_ = j.log.Sync()
	return j.file.Close()
}
