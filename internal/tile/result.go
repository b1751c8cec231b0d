package tile

// ResultKind is the outcome reported for a tile request.
type ResultKind int

const (
	// ResultNone means nothing is available yet.
	ResultNone ResultKind = iota
	// ResultFresh is an up-to-date image.
	ResultFresh
	// ResultExpired is stale but usable; a refresh may follow.
	ResultExpired
	// ResultFailure means no source could produce the tile.
	ResultFailure
)

func (r ResultKind) String() string {
	switch r {
	case ResultFresh:
		return "fresh"
	case ResultExpired:
		return "expired"
	case ResultFailure:
		return "failure"
	default:
		return "none"
	}
}
