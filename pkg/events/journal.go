package events

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/devlaunch/pkg/launch"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	journalMaxSizeMB  = 5
	journalMaxBackups = 3
	journalMaxAgeDays = 30
)

// NewJournalWriter returns a size-rotated writer for the JSONL launch journal.
func NewJournalWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    journalMaxSizeMB,
		MaxBackups: journalMaxBackups,
		MaxAge:     journalMaxAgeDays,
	}
}

// RegisterJournal appends every launch event on the bus to w, one JSON
// object per line.
func RegisterJournal(bus *Bus, w io.Writer) {
	var mu sync.Mutex
	bus.AddHandler("devlaunch-journal", TopicLaunchEvents, func(msg *message.Message) error {
		defer msg.Ack()

		// Errors are logged, not returned: a nacked message is redelivered
		// and would block the publishing launcher.
		if err := writeJournalLine(&mu, w, msg.Payload); err != nil {
			log.Warn().Err(err).Msg("launch journal")
		}
		return nil
	})
}

func writeJournalLine(mu *sync.Mutex, w io.Writer, payload []byte) error {
	ev, err := decodeEvent(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal journal line")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, err := w.Write(append(b, '\n')); err != nil {
		return errors.Wrap(err, "write journal")
	}
	return nil
}

func RegisterLogger(bus *Bus) {
	bus.AddHandler("devlaunch-log", TopicLaunchEvents, func(msg *message.Message) error {
		defer msg.Ack()

		ev, err := decodeEvent(msg.Payload)
		if err != nil {
			log.Debug().Err(err).Msg("undecodable launch event")
			return nil
		}
		log.Debug().
			Str("run_id", ev.RunID).
			Str("event", ev.Type).
			Str("service", ev.Service).
			Int("pid", ev.PID).
			Msg("launch event")
		return nil
	})
}

// ReadJournal returns the events recorded at or after since, oldest first.
// Rotated backups next to path are read before the live file. A zero since
// returns everything; a missing journal is empty. Malformed lines are
// skipped.
func ReadJournal(path string, since time.Time) ([]launch.LaunchEvent, error) {
	files, err := journalFiles(path)
	if err != nil {
		return nil, err
	}

	var out []launch.LaunchEvent
	for _, f := range files {
		evs, err := readJournalFile(f, since)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

// journalFiles lists lumberjack backups (<name>-<timestamp><ext>, which sort
// chronologically by name) followed by the live file.
func journalFiles(path string) ([]string, error) {
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(path, ext)
	backups, err := filepath.Glob(prefix + "-*" + ext)
	if err != nil {
		return nil, errors.Wrap(err, "glob journal backups")
	}
	sort.Strings(backups)
	return append(backups, path), nil
}

func readJournalFile(path string, since time.Time) ([]launch.LaunchEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open journal")
	}
	defer func() { _ = f.Close() }()

	var out []launch.LaunchEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var ev launch.LaunchEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if !since.IsZero() && ev.At.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan journal %s", filepath.Base(path))
	}
	return out, nil
}
