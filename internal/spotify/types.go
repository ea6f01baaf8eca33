package spotify

// Album is the catalog metadata of a search hit.
type Album struct {
	ID          string
	Name        string
	ReleaseDate string // "YYYY", "YYYY-MM" or "YYYY-MM-DD"; empty if unknown
	CoverArtURL string // first (largest) image; empty if none
}

// AlbumDetails is an album with its track listing.
type AlbumDetails struct {
	Album
	Tracks []Track
}

// Track is one entry of an album track listing.
type Track struct {
	Name       string
	DurationMs int
}
