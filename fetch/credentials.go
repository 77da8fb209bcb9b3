package fetch

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/alwitt/restream/common"
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// CredentialStore supplies per-feed credential sets for adapter fetch calls.
// A feed with no configured credentials yields an empty map.
type CredentialStore interface {
	Keys(feed string) map[string]string
	Reload() error
}

// fileCredentialStoreImpl implements CredentialStore from a local JSON file
// mapping feed name to its credential set
type fileCredentialStoreImpl struct {
	common.Component
	keysFile string
	lock     *sync.RWMutex
	keys     map[string]map[string]string
}

// DefineFileCredentialStore create a credential store reading from keysFile.
// An empty path is allowed and yields an always-empty store.
func DefineFileCredentialStore(keysFile string) (CredentialStore, error) {
	logTags := log.Fields{
		"module": "fetch", "component": "credential-store", "instance": keysFile,
	}
	store := &fileCredentialStoreImpl{
		Component: common.Component{LogTags: logTags},
		keysFile:  keysFile,
		lock:      &sync.RWMutex{},
		keys:      map[string]map[string]string{},
	}
	if keysFile == "" {
		log.WithFields(logTags).Warn("No credential file configured")
		return store, nil
	}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// Keys fetch the credential set for a feed, empty map if none configured
func (s *fileCredentialStoreImpl) Keys(feed string) map[string]string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := map[string]string{}
	for name, value := range s.keys[feed] {
		result[name] = value
	}
	return result
}

// Reload re-read the credential file. On failure the prior key set stays in
// place.
func (s *fileCredentialStoreImpl) Reload() error {
	if s.keysFile == "" {
		return nil
	}
	content, err := os.ReadFile(s.keysFile)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read credential file")
		return errors.Wrapf(err, "unable to read credential file %s", s.keysFile)
	}
	parsed := map[string]map[string]string{}
	if err := json.Unmarshal(content, &parsed); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Credential file is not valid JSON")
		return errors.Wrapf(err, "credential file %s is not valid JSON", s.keysFile)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys = parsed
	log.WithFields(s.LogTags).Infof("Loaded credentials for %d feeds", len(parsed))
	return nil
}
