package version

// CurrentCommit is set at build time with -ldflags "-X github.com/filecoin-project/deal-importer/version.CurrentCommit=..."
var CurrentCommit string

const BuildVersion = "0.1.0"

func String() string {
	if CurrentCommit == "" {
		return BuildVersion
	}
	return BuildVersion + "+git." + CurrentCommit
}
