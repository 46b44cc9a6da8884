// Package metadata derives per-file upload metadata: MIME type,
// description, directory label.
package metadata

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	"github.com/alexjbarnes/dataverse-sync/internal/engine"
)

const defaultMimeType = "application/octet-stream"

// fitsType covers FITS astronomy files, which the stock matchers do not
// recognize. A FITS primary header always starts with the SIMPLE card.
var fitsType = filetype.NewType("fits", "image/fits")

var fitsMagic = []byte("SIMPLE  =")

func init() {
	filetype.AddMatcher(fitsType, func(buf []byte) bool {
		return bytes.HasPrefix(buf, fitsMagic)
	})
}

// extensionTypes maps extensions the magic-byte pass cannot identify.
// Mostly the shapefile sidecar family, which is plain or structured text
// with no signature.
var extensionTypes = map[string]string{
	".fits":    "image/fits",
	".fit":     "image/fits",
	".fts":     "image/fits",
	".shp.xml": "application/fgdc+xml",
	".dbf":     "application/x-dbf",
	".prj":     "text/plain",
	".cpg":     "text/plain",
	".atx":     "application/xml",
	".qix":     "x-gis/x-shapefile",
	".sbn":     "x-gis/x-shapefile",
	".sbx":     "x-gis/x-shapefile",
}

// Resolver produces engine.FileMetadata for local files. The description
// template may contain {name}, replaced with the file's base name.
type Resolver struct {
	descriptionTemplate string
	directoryLabel      string
}

func NewResolver(descriptionTemplate, directoryLabel string) *Resolver {
	return &Resolver{
		descriptionTemplate: descriptionTemplate,
		directoryLabel:      directoryLabel,
	}
}

// Resolve implements engine.MetadataResolver.
func (r *Resolver) Resolve(absPath string) engine.FileMetadata {
	name := filepath.Base(absPath)

	return engine.FileMetadata{
		MimeType:       detectMimeType(absPath),
		Description:    strings.ReplaceAll(r.descriptionTemplate, "{name}", name),
		DirectoryLabel: r.directoryLabel,
	}
}

// detectMimeType sniffs magic bytes first and falls back to the
// extension table. Unresolvable files get application/octet-stream.
func detectMimeType(absPath string) string {
	if t := sniff(absPath); t != types.Unknown {
		// Dataverse treats application/fits as a legacy alias; the
		// image/fits registration is what its previewers key on.
		if t.MIME.Value == "application/fits" {
			return "image/fits"
		}
		return t.MIME.Value
	}

	name := strings.ToLower(filepath.Base(absPath))
	// Double extensions like .shp.xml take priority over the final one.
	for ext, mime := range extensionTypes {
		if strings.Count(ext, ".") > 1 && strings.HasSuffix(name, ext) {
			return mime
		}
	}
	if mime, ok := extensionTypes[filepath.Ext(name)]; ok {
		return mime
	}

	return defaultMimeType
}

func sniff(absPath string) types.Type {
	f, err := os.Open(absPath)
	if err != nil {
		return types.Unknown
	}
	defer f.Close()

	// 261 bytes is the documented minimum for all registered matchers.
	buf := make([]byte, 261)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return types.Unknown
	}

	t, err := filetype.Match(buf[:n])
	if err != nil {
		return types.Unknown
	}
	return t
}
