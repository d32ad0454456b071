package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	APIUrl      string
	APITimeout  time.Duration
	APIToken    string
	APIUser     string
	APIPassword string
	APICA       string
	APIInsecure bool
}

type StopFlags struct {
	All bool
}

type StatusFlags struct {
	JSON bool
}

type HashPasswordFlags struct {
	Cost int
}

type LoginFlags struct {
	Username string
	Password string
}

type TemplateFlags struct {
	JSON bool
}
