package provision

import (
	"strings"
	"time"
)

// TagFormat is the layout of generated update tags.
const TagFormat = "20060102-150405"

// NewTag returns a timestamp tag for an update build.
func NewTag(now time.Time) string {
	return now.UTC().Format(TagFormat)
}

// ParseLinuxFxVersion extracts the image and tag from a web app's
// linuxFxVersion, e.g. "DOCKER|ragacr01.azurecr.io/rag-api:v1" returns
// ("ragacr01.azurecr.io/rag-api", "v1"). A reference without a tag means
// latest. A digest-pinned reference without a tag has no tag to return.
func ParseLinuxFxVersion(fx string) (image, tag string) {
	ref := fx
	if _, after, ok := strings.Cut(fx, "|"); ok {
		ref = after
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ""
	}
	ref, _, pinned := strings.Cut(ref, "@")
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	if pinned {
		return ref, ""
	}
	return ref, "latest"
}
