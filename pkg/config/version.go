package config

// Version is the escrowd version, set at build time via ldflags.
var Version = "dev"
