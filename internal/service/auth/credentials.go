package auth

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validator checks a user/password pair.
type Validator interface {
	Validate(user, password string) bool
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(user, password string) bool

func (f ValidatorFunc) Validate(user, password string) bool {
	return f(user, password)
}

var credentialLine = regexp.MustCompile(`^([a-zA-Z0-9_\-]*):(.*)$`)

// FileStore validates against a flat file of "user:password" lines. The file
// is re-read on every call so edits take effect without a restart.
type FileStore struct {
	path     string
	failOpen bool
	log      logrus.FieldLogger
}

// NewFileStore returns a validator backed by path. With failOpen set, an
// unreadable store accepts every login; otherwise it rejects every login.
func NewFileStore(path string, failOpen bool, log logrus.FieldLogger) *FileStore {
	return &FileStore{
		path:     path,
		failOpen: failOpen,
		log:      log.WithField("component", "auth"),
	}
}

// Validate reports whether some line matches both fields exactly.
// Lines that do not parse are skipped.
func (s *FileStore) Validate(user, password string) bool {
	f, err := os.Open(s.path)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"file":      s.path,
			"fail_open": s.failOpen,
		}).Error("user credentials file is unavailable")
		return s.failOpen
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := credentialLine.FindStringSubmatch(strings.TrimSuffix(scanner.Text(), "\r"))
		if m == nil {
			continue
		}
		if m[1] == user && m[2] == password {
			return true
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.WithError(err).WithField("file", s.path).Error("failed reading user credentials file")
	}
	return false
}
