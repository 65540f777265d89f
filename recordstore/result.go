package recordstore

// Kind tells what a Result holds
type Kind int

const (
	// Empty means the file doesn't exist or has no content
	Empty Kind = iota
	Content
	// Error means reading failed. The file might exist.
	Error
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Content:
		return "content"
	case Error:
		return "error"
	}
	return "unknown"
}

// Result of reading a file
type Result struct {
	Kind Kind
	Data []byte
	Err  error
}

func EmptyResult() Result {
	return Result{Kind: Empty}
}

func ContentResult(d []byte) Result {
	return Result{Kind: Content, Data: d}
}

func Failed(err error) Result {
	return Result{Kind: Error, Err: err}
}

func (r Result) IsEmpty() bool {
	return r.Kind == Empty
}

// String returns content, "" for Empty and Error
func (r Result) String() string {
	return string(r.Data)
}
