package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	spoolDir     = "/var/lib/firesentinel/audit_spool"
	spoolFile    = "pending.jsonl"
	replayLock   sync.Mutex
)

// ConfigureSpool overrides the spool directory; call once at startup.
func ConfigureSpool(dir string) error {
	if dir != "" {
		spoolDir = dir
	}
	return os.MkdirAll(spoolDir, 0750)
}

func spoolEvent(evt Event) error {
	fe := failoverEvent{EventID: evt.EventID.String(), Payload: evt, Timestamp: time.Now().UTC()}
	line, err := json.Marshal(fe)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(spoolDir, spoolFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// StartReplayer periodically retries spooled events against the database
// until ctx is canceled.
func (s *Service) StartReplayer(ctx context.Context, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.replaySpool(ctx, log)
			}
		}
	}()
}

func (s *Service) replaySpool(ctx context.Context, log *logrus.Entry) {
	replayLock.Lock()
	defer replayLock.Unlock()

	path := filepath.Join(spoolDir, spoolFile)
	info, err := os.Stat(path)
	if os.IsNotExist(err) || (info != nil && info.Size() == 0) {
		return
	}

	replayPath := filepath.Join(spoolDir, fmt.Sprintf("replay_%d.jsonl", time.Now().UnixNano()))
	if err := os.Rename(path, replayPath); err != nil {
		log.WithError(err).Warn("audit: failed to rotate spool for replay")
		return
	}

	f, err := os.Open(replayPath)
	if err != nil {
		return
	}
	defer func() {
		f.Close()
		os.Remove(replayPath)
	}()

	scanner := bufio.NewScanner(f)
	var replayed int
	for scanner.Scan() {
		var fe failoverEvent
		if err := json.Unmarshal(scanner.Bytes(), &fe); err != nil {
			continue
		}
		// WriteEvent re-spools on failure, so a still-down database simply
		// leaves the event in a fresh spool file rather than looping here.
		if err := s.WriteEvent(ctx, fe.Payload, log); err == nil {
			replayed++
		}
	}

	if replayed > 0 {
		log.WithField("count", replayed).Info("audit: replayed spooled events")
	}
}
