package github

// Repo selects which of the configured repositories an operation targets.
type Repo string

const (
	// RepoMain holds the site itself and the dispatch workflows.
	RepoMain Repo = "main"
	// RepoData holds event and RSVP JSON records.
	RepoData Repo = "data"
	// RepoImages holds uploaded event imagery.
	RepoImages Repo = "images"
)

// FileRecord is a decoded remote file plus the sha required to update or
// delete it (optimistic concurrency).
type FileRecord struct {
	Content []byte
	SHA     string
}

// DirEntry is one entry of a directory listing from the contents API.
type DirEntry struct {
	Name string
	Path string
	Type string // file or dir
	SHA  string
}

// Endpoint keys group calls that share a rate-limit bucket. Writes to the
// same logical resource family stay ordered because each key admits one
// request at a time.
const (
	KeyContents = "github_contents"
	KeyDispatch = "github_dispatch"
	KeyIssues   = "github_issues"
)
