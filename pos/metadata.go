package pos

import (
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/posfw/posfw/errors"
)

// FilesystemMeta describes how one of the image's filesystems has to be
// formatted on the target. Keyed by mountpoint in Metadata.Filesystems.
type FilesystemMeta struct {
	// FSType is the filesystem type (ext4, xfs, ...).
	FSType string `yaml:"fstype" json:"fstype" jsonschema:"required"`

	// MkfsOpts are extra options passed to mkfs.<fstype>.
	MkfsOpts string `yaml:"mkfs_opts" json:"mkfs_opts" jsonschema:"required"`
}

// Metadata is an image's .tcf.metadata.yaml: deployment hints the image
// builder shipped alongside the tree.
type Metadata struct {
	// PostFlashScript is a shell script run on the target after the
	// image tree lands, with ROOTDEV and ROOT exported. Lines ending in
	// a backslash continue on the next line.
	PostFlashScript string `yaml:"post_flash_script" json:"post_flash_script,omitempty"`

	// Filesystems maps mountpoints to their format requirements. The
	// entry for "/" decides whether the root partition has to be
	// reformatted before rsyncing.
	Filesystems map[string]FilesystemMeta `yaml:"filesystems" json:"filesystems,omitempty"`

	// EstimatedSizeGiB sizes the image tree so the deployer can budget
	// the rsync timeout. Zero means unknown.
	EstimatedSizeGiB int `yaml:"estimated_size_gib" json:"estimated_size_gib,omitempty"`
}

// ParseMetadata decodes a .tcf.metadata.yaml document. Empty input is a
// valid, empty metadata: most images ship none.
func ParseMetadata(s string) (Metadata, error) {
	var md Metadata
	if strings.TrimSpace(s) == "" {
		return md, nil
	}
	if err := yaml.Unmarshal([]byte(s), &md); err != nil {
		return Metadata{}, errors.Infraf("can't parse image metadata: %v", err).
			WithAttachment("metadata", s)
	}
	return md, nil
}

// RootFilesystem returns the format requirements for the root
// filesystem and where they came from; images that don't say get ext4
// with journaling.
func (md Metadata) RootFilesystem() (fs FilesystemMeta, origin string) {
	if fs, ok := md.Filesystems["/"]; ok {
		return fs, "image's .tcf.metadata.yaml"
	}
	return FilesystemMeta{FSType: "ext4", MkfsOpts: "-Fj"}, "defaults"
}

// MetadataSchema generates the JSON schema for .tcf.metadata.yaml, so
// image builders can validate theirs before publishing.
func MetadataSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(&Metadata{})
}
