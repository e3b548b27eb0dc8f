package rfcache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	dataFileName     = "data.bin"
	metadataFileName = "metadata.txt"
	infoFileName     = "info.txt"
)

// infoSnapshot is the exact two-field JSON shape written to info.txt,
// grounded on RemoteCacheController::flush/loadInnerInformation in the
// original source.
type infoSnapshot struct {
	FileStatus    int32  `json:"file_status"`
	MetadataClass string `json:"metadata_class"`
}

func writeInfo(localPath string, status Status, class string) error {
	tmp := filepath.Join(localPath, infoFileName+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create info.txt")
	}
	enc := json.NewEncoder(f)
	encErr := enc.Encode(infoSnapshot{FileStatus: int32(status), MetadataClass: class})
	closeErr := f.Close()
	if encErr != nil {
		os.Remove(tmp)
		return errors.Wrap(encErr, "encode info.txt")
	}
	if closeErr != nil {
		os.Remove(tmp)
		return errors.Wrap(closeErr, "close info.txt")
	}
	return os.Rename(tmp, filepath.Join(localPath, infoFileName))
}

func readInfo(localPath string) (*infoSnapshot, error) {
	b, err := os.ReadFile(filepath.Join(localPath, infoFileName))
	if err != nil {
		return nil, err
	}
	var snap infoSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, errors.Wrap(err, "parse info.txt")
	}
	return &snap, nil
}

func writeMetadata(localPath string, d Descriptor) error {
	s, err := d.Serialize()
	if err != nil {
		return errors.Wrap(err, "serialize descriptor")
	}
	return errors.Wrap(
		os.WriteFile(filepath.Join(localPath, metadataFileName), []byte(s), 0o644),
		"write metadata.txt",
	)
}

func readMetadata(localPath string) (string, error) {
	b, err := os.ReadFile(filepath.Join(localPath, metadataFileName))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func dataFilePath(localPath string) string {
	return filepath.Join(localPath, dataFileName)
}

// dirIsEmptyOrAbsent reports whether localPath either does not exist or
// exists as an empty directory, the precondition for fresh construction.
func dirIsEmptyOrAbsent(localPath string) (bool, error) {
	entries, err := os.ReadDir(localPath)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "stat entry directory")
	}
	return len(entries) == 0, nil
}
