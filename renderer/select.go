package renderer

import (
	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/gpu"
)

type Variant string

const (
	GLES2  Variant = "gles2"
	Vulkan Variant = "vulkan"
)

func (v Variant) Flag() (capability.Flag, bool) {
	switch v {
	case GLES2:
		return capability.GLES2Renderer, true
	case Vulkan:
		return capability.VulkanRenderer, true
	default:
		return 0, false
	}
}

// Select picks the renderer for dev. Vulkan wins when it's compiled in and the device
// has a Vulkan implementation, GLES2 is the fallback
func Select(reg capability.Registry, dev *gpu.Device) (Variant, error) {
	if reg.IsSupported(capability.VulkanRenderer) && dev != nil && dev.Features.Vulkan {
		return Vulkan, nil
	}
	if reg.IsSupported(capability.GLES2Renderer) {
		return GLES2, nil
	}
	return "", &errs.ConfigurationError{
		Component: "renderer",
		Reason:    "no usable renderer compiled in",
	}
}

// canImport reports whether the variant can sample format/modifier on a device with features
func (v Variant) canImport(features gpu.Features, format buffer.Format, modifier buffer.Modifier) bool {
	if !features.Supports(format, modifier) {
		return false
	}
	if v == GLES2 && modifier != buffer.Linear && modifier != buffer.Invalid {
		return features.ExplicitModifiers
	}
	return true
}
