package gitobj

// Blob is a file's raw contents.
type Blob struct {
	content []byte
}

// NewBlob wraps raw bytes as a Blob object.
func NewBlob(content []byte) *Blob {
	return &Blob{content: content}
}

func (b *Blob) Type() Type   { return TypeBlob }
func (b *Blob) Body() []byte { return b.content }
func (b *Blob) Hash() Hash   { return hashObject(TypeBlob, b.content) }
