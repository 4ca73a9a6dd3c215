//go:build w2g_minimal

package capability

// Nested-only build without any seat or KMS support
var builtIn = []Flag{
	X11Backend,
	GLES2Renderer,
	UdmabufAllocator,
}
