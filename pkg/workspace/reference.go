package workspace

import (
	"strings"
)

const fileScheme = "file://"

// Reference is a file input parsed from a task input value. Two forms are
// recognised:
//
//	[<local-path>]<http(s)-url>   stage url to local-path
//	file://<local-path>           local-path is already present on the node
//
// The file:// prefix may also wrap the bracketed form.
type Reference struct {
	LocalPath string
	URL       string
}

// WorkflowData reports whether the path lives in the workflow data directory
func (r Reference) WorkflowData() bool {
	return strings.HasPrefix(r.LocalPath, WorkflowDataToken+"/")
}

// ParseReference parses value as a file reference. Plain strings, including
// absolute local paths produced by an earlier staging pass, are not
// references, which makes staging idempotent.
func ParseReference(value string) (Reference, bool) {
	s := value
	scheme := strings.HasPrefix(s, fileScheme)
	if scheme {
		s = s[len(fileScheme):]
	}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end <= 1 {
			return Reference{}, false
		}
		local, url := s[1:end], s[end+1:]
		if !isRemote(url) {
			return Reference{}, false
		}
		return Reference{LocalPath: local, URL: url}, true
	}

	if scheme && s != "" {
		return Reference{LocalPath: s}, true
	}

	return Reference{}, false
}

func isRemote(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
