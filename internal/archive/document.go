package archive

// DefaultMIME is assumed when a record does not carry a usable content type.
const DefaultMIME = "text/html"

// Document is one scannable unit produced from an archive record. It is not
// mutated after creation; scan engines read it concurrently.
type Document struct {
	Data []byte `json:"data"`
	URL  string `json:"url,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// HasURL reports whether the origin URL is known.
func (d Document) HasURL() bool { return d.URL != "" }
