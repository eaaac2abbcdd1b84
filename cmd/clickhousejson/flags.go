package main

// Flag structs to decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type CheckFlags struct {
	ConfigPath string
}

type SendFlags struct {
	ConfigPath string
	Input      string // file path, "-" or empty for stdin
	Tag        string
	TimeKey    string
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	BasePath   string
}
