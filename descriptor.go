package rfcache

import (
	"fmt"
	"strings"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

// Descriptor is the opaque metadata record identifying a remote file.
// Implementations are expected to be immutable after construction; the
// registry and controller never mutate a Descriptor they hold.
//
// Name returns the class tag used to pick the right constructor on
// recovery. Version is compared for equality, not ordered, to decide
// whether a cached entry is stale.
type Descriptor interface {
	Name() string
	Version() digest.Digest
	RemotePath() string
	FileSize() int64
	Serialize() (string, error)
	Deserialize(s string) error
}

// Constructor returns a zero-value Descriptor of one class, ready to
// have Deserialize called on it.
type Constructor func() Descriptor

var (
	classesMu sync.RWMutex
	classes   = make(map[string]Constructor)
)

// RegisterClass adds a descriptor constructor under the given class tag.
// Intended to run from package init() — like the teacher's process-wide
// openFiles map, this is process-wide, explicit, init-once state.
func RegisterClass(tag string, ctor Constructor) {
	classesMu.Lock()
	defer classesMu.Unlock()
	classes[tag] = ctor
}

func lookupClass(tag string) (Constructor, bool) {
	classesMu.RLock()
	defer classesMu.RUnlock()
	ctor, ok := classes[tag]
	return ctor, ok
}

func isModified(a, b Descriptor) bool {
	return a.Version() != b.Version()
}

const basicClassTag = "basic"

func init() {
	RegisterClass(basicClassTag, func() Descriptor { return &BasicDescriptor{} })
}

// BasicDescriptor is the built-in Descriptor implementation: a remote
// path, a content digest used as the version token, and a declared byte
// size. Its serialized form is three newline-separated fields, in the
// spirit of the teacher's own flat on-disk formats (part.go's varint +
// bitmap framing).
type BasicDescriptor struct {
	remotePath string
	version    digest.Digest
	size       int64
}

// NewBasicDescriptor builds a descriptor for a remote file whose content
// hashes to version (typically digest.FromBytes/FromString of whatever
// the caller's remote metadata call returned — an ETag, a content hash,
// a last-modified timestamp string) and whose declared length is size.
func NewBasicDescriptor(remotePath string, version digest.Digest, size int64) *BasicDescriptor {
	return &BasicDescriptor{remotePath: remotePath, version: version, size: size}
}

func (d *BasicDescriptor) Name() string           { return basicClassTag }
func (d *BasicDescriptor) Version() digest.Digest { return d.version }
func (d *BasicDescriptor) RemotePath() string     { return d.remotePath }
func (d *BasicDescriptor) FileSize() int64        { return d.size }

func (d *BasicDescriptor) Serialize() (string, error) {
	if d.remotePath == "" {
		return "", badArguments("descriptor has no remote path")
	}
	return fmt.Sprintf("%s\n%s\n%d", d.version, d.remotePath, d.size), nil
}

func (d *BasicDescriptor) Deserialize(s string) error {
	parts := strings.SplitN(s, "\n", 3)
	if len(parts) != 3 {
		return fmt.Errorf("rfcache: malformed basic descriptor (want 3 fields, got %d)", len(parts))
	}
	ver, err := digest.Parse(parts[0])
	if err != nil {
		return fmt.Errorf("rfcache: malformed descriptor version: %w", err)
	}
	var size int64
	if _, err := fmt.Sscanf(parts[2], "%d", &size); err != nil {
		return fmt.Errorf("rfcache: malformed descriptor size: %w", err)
	}
	d.version = ver
	d.remotePath = parts[1]
	d.size = size
	return nil
}
