package imessage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nevindra/edgelink"
)

// attachmentResolver maps the filename column of the attachment table to
// an absolute local path. Stored filenames may be home-relative
// ("~/Library/..."), attachments-root-relative, or already absolute.
// AbsolutePath is set only when the file exists and lies inside the
// configured root; everything else leaves it empty (path-traversal guard).
type attachmentResolver struct {
	root string // configured attachments root
	home string // home dir for tilde expansion
}

func userHome() (string, error) {
	return os.UserHomeDir()
}

func (r *attachmentResolver) resolve(a *edgelink.Attachment) {
	if a.Filename == "" || r.root == "" {
		return
	}
	a.RelativePath = a.Filename

	p := a.Filename
	switch {
	case p == "~" || strings.HasPrefix(p, "~/"):
		if r.home == "" {
			return
		}
		p = filepath.Join(r.home, strings.TrimPrefix(p, "~"))
	case !filepath.IsAbs(p):
		p = filepath.Join(r.root, p)
	}
	p = filepath.Clean(p)

	root := filepath.Clean(r.root)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return
	}
	if info, err := os.Stat(p); err != nil || info.IsDir() {
		return
	}
	a.AbsolutePath = p
}
