package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// Purpose separates artifact namespaces so identical content used for different media never
// shares an identifier.
type Purpose string

const (
	PurposeNarration  Purpose = "narration"
	PurposeCover      Purpose = "cover"
	PurposeTranscript Purpose = "transcript"
)

// idLength is the number of hex characters kept from the sha256 digest.
const idLength = 40

// Namespace is the directory (and URL segment) holding artifacts of this purpose.
func (p Purpose) Namespace() string {
	switch p {
	case PurposeNarration:
		return "audio"
	case PurposeCover:
		return "image"
	case PurposeTranscript:
		return "transcript"
	default:
		return string(p)
	}
}

// DefaultExt is the file extension generated artifacts of this purpose carry.
func (p Purpose) DefaultExt() string {
	switch p {
	case PurposeNarration:
		return ".mp3"
	case PurposeCover:
		return ".png"
	default:
		return ""
	}
}

// NameFor derives the deterministic identifier of content for purpose.
func NameFor(purpose Purpose, content []byte) string {
	h := sha256.New()
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

// NameForText is NameFor over the UTF-8 bytes of text, unmodified.
func NameForText(purpose Purpose, text string) string {
	return NameFor(purpose, []byte(text))
}

// Artifact addresses one file in the store: <namespace>/<id><ext>.
type Artifact struct {
	Purpose Purpose
	ID      string
	Ext     string
}

// ArtifactFor names content with the purpose's default extension.
func ArtifactFor(purpose Purpose, content []byte) Artifact {
	return Artifact{Purpose: purpose, ID: NameFor(purpose, content), Ext: purpose.DefaultExt()}
}

// TextArtifact names text with the purpose's default extension.
func TextArtifact(purpose Purpose, text string) Artifact {
	return ArtifactFor(purpose, []byte(text))
}

func (a Artifact) FileName() string {
	return a.ID + a.Ext
}

// Key is the slash separated relative location, shared by the disk layout, the mirror and URLs.
func (a Artifact) Key() string {
	return path.Join(a.Purpose.Namespace(), a.FileName())
}

// URL joins the public prefix (for example "/media") with the artifact key.
func (a Artifact) URL(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/" + a.Key()
}

func (a Artifact) Validate() error {
	if a.Purpose == "" {
		return fmt.Errorf("artifact purpose is required")
	}
	if !isID(a.ID) {
		return fmt.Errorf("invalid artifact id %q", a.ID)
	}
	if a.Ext != "" && (!strings.HasPrefix(a.Ext, ".") || strings.ContainsAny(a.Ext, `/\`) || len(a.Ext) > 8) {
		return fmt.Errorf("invalid artifact extension %q", a.Ext)
	}
	return nil
}

// ParseFileName reverses FileName for a request path segment such as "3fa1...c2.mp3". Only
// well formed identifiers with the expected extension are accepted.
func ParseFileName(purpose Purpose, name string) (Artifact, error) {
	ext := path.Ext(name)
	artifact := Artifact{
		Purpose: purpose,
		ID:      strings.TrimSuffix(name, ext),
		Ext:     ext,
	}
	if want := purpose.DefaultExt(); want != "" && ext != want {
		return Artifact{}, fmt.Errorf("unexpected extension %q for %s", ext, purpose)
	}
	if err := artifact.Validate(); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

func isID(value string) bool {
	if len(value) != idLength {
		return false
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
