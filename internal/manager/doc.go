// Package manager is the task manager of the server process: it submits and
// stops tasks, projects the events reported by workers into the task store
// and answers the queries of the HTTP surface.
package manager
