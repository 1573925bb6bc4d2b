package core

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"pkt.systems/notebuf/schema"
)

// DecodeImage decodes the representation stored under mime. SVG is carried
// as text; raster formats are base64 and may contain line breaks.
func DecodeImage(bundle schema.MimeBundle, mime string) (Image, error) {
	text, ok := bundle.Text(mime)
	if !ok {
		return Image{}, &schema.DecodeError{MIME: mime, Err: errors.New("representation missing")}
	}
	format := imageFormat(mime)
	if format == "svg" {
		return Image{MIME: mime, Format: format, Data: []byte(text), Bundle: bundle}, nil
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, text)
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return Image{}, &schema.DecodeError{MIME: mime, Err: err}
	}
	return Image{MIME: mime, Format: format, Data: data, Bundle: bundle}, nil
}

func imageFormat(mime string) string {
	sub := mime
	if idx := strings.IndexByte(mime, '/'); idx >= 0 {
		sub = mime[idx+1:]
	}
	if idx := strings.IndexByte(sub, '+'); idx >= 0 {
		sub = sub[:idx]
	}
	return sub
}

// renderRich shows exactly one representation of bundle: the first image in
// preference order that the image renderer accepts, otherwise text/plain.
func (s *Session) renderRich(ctx context.Context, bundle schema.MimeBundle) {
	if s.images != nil {
		for _, mime := range s.cfg.MimePreference {
			if !bundle.Has(mime) {
				continue
			}
			img, err := DecodeImage(bundle, mime)
			if err != nil {
				if s.log != nil {
					s.log.Debug("session image decode failed", "mime", mime, "err", err)
				}
				continue
			}
			if s.images.RenderImage(ctx, img) {
				return
			}
			if s.log != nil {
				s.log.Debug("session image renderer declined", "mime", mime)
			}
		}
	}
	if text, ok := bundle.Text(schema.MIMETextPlain); ok {
		s.display.Write(text)
		return
	}
	if types := bundle.Types(); len(types) > 0 {
		s.display.Write("<" + strings.Join(types, ", ") + ">")
	}
}
