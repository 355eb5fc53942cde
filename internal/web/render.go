// Package web renders the browser dashboard. Templates are embedded at build
// time and parsed once during startup; the page itself fetches its data from
// the JSON API, so the render path only needs the current dataset status and
// the option lists for the filter controls.
package web

import (
	"errors"
	"html/template"
	"io"
	"io/fs"
)

var dashboardTmpl *template.Template

// loadTemplatesFromFS loads dashboard templates from the given fs and dir.
// Used by LoadTemplates and by tests to simulate failure scenarios.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	dashboardTmpl, err = template.ParseFS(sub, "*.html")
	if err != nil {
		return err
	}
	return nil
}

// LoadTemplates parses the embedded dashboard templates. Call during startup
// before serving requests; if it returns an error, do not start the server.
func LoadTemplates() error {
	return loadTemplatesFromFS(templatesFS, "templates")
}

// StationOption is the view model for a station in the dashboard selector.
type StationOption struct {
	ID         string
	Name       string
	Department string
}

// DepartmentOption is the view model for a department in the dashboard selector.
type DepartmentOption struct {
	Code string
	Name string
}

// DashboardData is the view model for the dashboard page. When Loaded is
// false the page renders with a banner carrying LoadError instead of charts.
type DashboardData struct {
	Loaded      bool
	LoadError   string
	Source      string
	LoadedAt    string
	Stations    []StationOption
	Departments []DepartmentOption
}

// RenderDashboard executes the dashboard page into w.
func RenderDashboard(w io.Writer, data *DashboardData) error {
	if dashboardTmpl == nil {
		return errors.New("dashboard template not loaded: call web.LoadTemplates during startup")
	}
	return dashboardTmpl.ExecuteTemplate(w, "index.html", data)
}
