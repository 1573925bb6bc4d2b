package notebuf

import (
	"context"

	"pkt.systems/notebuf/core"
)

type chain struct {
	renderers []core.ImageRenderer
}

// imageChain returns nil for no renderers so sessions fall back to text.
func imageChain(renderers []core.ImageRenderer) core.ImageRenderer {
	switch len(renderers) {
	case 0:
		return nil
	case 1:
		return renderers[0]
	}
	return chain{renderers: renderers}
}

func (c chain) RenderImage(ctx context.Context, img core.Image) bool {
	for _, r := range c.renderers {
		if r == nil {
			continue
		}
		if r.RenderImage(ctx, img) {
			return true
		}
	}
	return false
}
