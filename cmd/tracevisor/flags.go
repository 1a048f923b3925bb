package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ClientFlags select the daemon for remote commands.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
