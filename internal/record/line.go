package record

// DefaultLineWidth is the payload width at which PutLine starts splitting a
// logical line into a normal record followed by continuation records.
const DefaultLineWidth = 4096

// GetLine reads one logical line: a record of a content type (TypeHeader
// or TypeNormal), followed by zero or more TypeContinuation records,
// rejoined into a single payload. If the next record is not a content
// record at all (e.g. TypeEndOfMessage), GetLine returns it unchanged with
// ok=false so the caller can handle structural records without losing
// them. The record that ends a logical line is pushed back on the reader
// (Unget), so the next Get or GetLine returns it.
func GetLine(s *Reader) (t Type, line []byte, ok bool, err error) {
	t, first, err := s.Get()
	if err != nil {
		return t, nil, false, err
	}
	if !t.IsContent() {
		return t, first, false, nil
	}

	line = first
	for {
		nt, payload, err := s.Get()
		if err != nil {
			return t, line, true, err
		}
		if nt != TypeContinuation {
			s.Unget(nt, payload)
			return t, line, true, nil
		}
		line = append(line, payload...)
	}
}

// PutLine splits data into a record of type t (TypeHeader or TypeNormal)
// plus TypeContinuation records at width-byte boundaries, and writes them.
// width <= 0 means DefaultLineWidth.
func PutLine(s *Writer, t Type, data []byte, width int) error {
	if width <= 0 {
		width = DefaultLineWidth
	}
	if len(data) <= width {
		return s.Put(t, data)
	}

	if err := s.Put(t, data[:width]); err != nil {
		return err
	}
	data = data[width:]
	for len(data) > 0 {
		n := width
		if n > len(data) {
			n = len(data)
		}
		if err := s.Put(TypeContinuation, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
