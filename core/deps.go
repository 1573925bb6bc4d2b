package core

import "pkt.systems/pslog"

// SessionDeps captures collaborators of one execution session.
type SessionDeps struct {
	Display  Display
	Outputs  OutputStore
	Images   ImageRenderer
	Renderer Renderer
	Logger   pslog.Logger
}

// ManagerDeps captures collaborators shared by every session of a manager.
type ManagerDeps struct {
	Provider KernelProvider
	Images   ImageRenderer
	Renderer Renderer
	History  HistoryStore
	Logger   pslog.Logger
}
