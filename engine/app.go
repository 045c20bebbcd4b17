package engine

// App is a wrapper around the process manager and http router/server concepts
// defined by this package. It represents a set of "modules": types that can
// run background workers and/or handle HTTP routes. Load up modules with
// .Add() and then run the thing with .Run().
type App struct {
	ProcMgr
	Router *Router
}

func NewApp(httpAddr string, router *Router) *App {
	a := &App{Router: router}
	a.ProcMgr.Add(router.Serve(httpAddr))
	return a
}

// Add wires a module into the app: if it implements AttachRoutes and/or
// AttachWorkers, those are invoked now. A module with neither method is a
// no-op here (e.g. one that's only a dependency of other modules).
func (a *App) Add(mod any) {
	type routableModule interface {
		AttachRoutes(*Router)
	}
	if m, ok := mod.(routableModule); ok {
		m.AttachRoutes(a.Router)
	}

	type workableModule interface {
		AttachWorkers(*ProcMgr)
	}
	if m, ok := mod.(workableModule); ok {
		m.AttachWorkers(&a.ProcMgr)
	}
}
