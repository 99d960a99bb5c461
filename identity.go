// Package dosimg holds the types shared by the dosimg command and its
// packages.
package dosimg

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"path/filepath"
)

// artifactIDNamespace must stay stable so that a URL always maps to the same
// cache location.
const artifactIDNamespace = "dosimg-artifact-v1"

// DeriveArtifactID deterministically derives an artifact id from a source
// URL. The same URL always yields the same id; the id has an "art_" prefix
// so it is recognisable in logs and paths.
func DeriveArtifactID(sourceURL string) string {
	h := sha256.Sum256([]byte(artifactIDNamespace + ":" + sourceURL))
	return "art_" + hex.EncodeToString(h[:])
}

// DefaultArtifactPath returns where an artifact fetched from sourceURL is
// cached under cacheDir when no explicit destination is given. The file
// keeps the URL's base name inside a per-URL directory, so two mirrors
// serving the same file name never collide.
func DefaultArtifactPath(cacheDir, sourceURL string) string {
	name := "artifact"
	if u, err := url.Parse(sourceURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	id := DeriveArtifactID(sourceURL)
	return filepath.Join(cacheDir, id[:len("art_")+16], name)
}
