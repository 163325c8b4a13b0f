package version

// Version and Commit are stamped at build time via:
//
//	go build -ldflags "-X .../internal/version.VERSION=0.1.0 -X .../internal/version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)
