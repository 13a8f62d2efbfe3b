// Package identity implements the Identity Store (spec.md §4.A): a stable
// device id, display name, platform tag, and app version, persisted as
// plain JSON at a well-known per-user config path.
//
// Grounded on disk.go's StateWriter: a dedicated goroutine owns the on-disk
// file and serializes updates through a channel, writing atomically via
// write-temp-then-rename. Unlike disk.go's encrypted statefile, the
// identity file here holds no secret material, so no secretbox/argon2
// layer applies (see DESIGN.md).
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/hcerr"
	"github.com/hyperconnect/hyperconnect/internal/model"
	"github.com/hyperconnect/hyperconnect/internal/worker"
)

const appVersion = "0.1.0"

type diskRecord struct {
	DeviceID     string `json:"deviceId"`
	DisplayName  string `json:"displayName"`
	ProfileImage []byte `json:"profileImage,omitempty"`
}

// Store owns the in-memory identity and a background writer goroutine that
// flushes it to disk.
type Store struct {
	worker.Worker

	log  *log.Logger
	path string

	current chan model.NodeIdentity // single-slot mailbox holding latest value
	writeCh chan model.NodeIdentity
}

// Load reads the identity file at path, minting a new device id and
// writing it back if absent. Display name defaults to the OS hostname.
func Load(path string, platform string, logger *log.Logger) (*Store, model.NodeIdentity, error) {
	s := &Store{
		log:     logger.WithPrefix("identity"),
		path:    path,
		current: make(chan model.NodeIdentity, 1),
		writeCh: make(chan model.NodeIdentity),
	}

	id, err := loadOrMint(path)
	if err != nil {
		s.log.Errorf("failed to load identity, minting fresh: %v", err)
		id = mint()
	}
	id.Platform = platform
	id.AppVersion = appVersion

	s.current <- id
	s.Go(s.writer)

	// Reconcile a freshly minted identity to disk best-effort; a failed
	// write here still leaves the in-memory value authoritative.
	if err := writeAtomic(path, id); err != nil {
		s.log.Errorf("failed to persist identity: %v", hcerr.NewIdentityError("%w", err))
	}

	return s, id, nil
}

func loadOrMint(path string) (model.NodeIdentity, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return mint(), nil
	}
	if err != nil {
		return model.NodeIdentity{}, err
	}
	var rec diskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.NodeIdentity{}, err
	}
	devID, err := uuid.FromString(rec.DeviceID)
	if err != nil {
		return model.NodeIdentity{}, err
	}
	name := rec.DisplayName
	if name == "" {
		name = hostnameOrDefault()
	}
	return model.NodeIdentity{
		DeviceID:     devID,
		DisplayName:  name,
		ProfileImage: rec.ProfileImage,
	}, nil
}

func mint() model.NodeIdentity {
	devID, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails if crypto/rand is broken; fall back to
		// the nil UUID rather than panicking the process.
		devID = uuid.UUID{}
	}
	return model.NodeIdentity{
		DeviceID:    devID,
		DisplayName: hostnameOrDefault(),
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "hyperconnect-node"
	}
	return h
}

// Get returns the current identity.
func (s *Store) Get() model.NodeIdentity {
	id := <-s.current
	s.current <- id
	return id
}

// UpdateDisplayName renames the node and enqueues a disk write. Writes are
// best-effort: a failure is logged and the in-memory value still changes.
func (s *Store) UpdateDisplayName(name string) model.NodeIdentity {
	id := <-s.current
	id.DisplayName = name
	s.current <- id
	s.enqueueWrite(id)
	return id
}

// UpdateProfileImage replaces the profile image blob and enqueues a disk
// write.
func (s *Store) UpdateProfileImage(image []byte) model.NodeIdentity {
	id := <-s.current
	id.ProfileImage = image
	s.current <- id
	s.enqueueWrite(id)
	return id
}

func (s *Store) enqueueWrite(id model.NodeIdentity) {
	select {
	case s.writeCh <- id:
	case <-s.HaltCh():
	}
}

// Close halts the writer goroutine, then performs a final synchronous flush.
func (s *Store) Close() {
	id := <-s.current
	s.current <- id
	s.Halt()
	s.Wait()
	if err := writeAtomic(s.path, id); err != nil {
		s.log.Errorf("failed final identity flush: %v", err)
	}
}

func (s *Store) writer() {
	for {
		select {
		case <-s.HaltCh():
			s.log.Debug("identity writer terminating")
			return
		case id := <-s.writeCh:
			if err := writeAtomic(s.path, id); err != nil {
				s.log.Errorf("failed to persist identity: %v", hcerr.NewIdentityError("%w", err))
			}
		}
	}
}

func writeAtomic(path string, id model.NodeIdentity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	rec := diskRecord{
		DeviceID:     id.DeviceID.String(),
		DisplayName:  id.DisplayName,
		ProfileImage: id.ProfileImage,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
