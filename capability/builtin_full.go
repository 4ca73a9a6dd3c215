//go:build !w2g_minimal

package capability

var builtIn = []Flag{
	DRMBackend,
	LibinputBackend,
	X11Backend,
	GLES2Renderer,
	VulkanRenderer,
	GBMAllocator,
	UdmabufAllocator,
	Xwayland,
	Session,
	ColorManagement,
}
