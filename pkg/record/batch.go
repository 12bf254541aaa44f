package record

// Batch is the atomic unit of durability: it is serialized into a single
// blob and written in one piece into a journal file (a frame of the file's
// shared chunk on an append-capable backend, a chunk of its own otherwise).
// Wire layout:
// { version byte, count int32, [ discriminator byte, payload ]... }. Unlike
// a standalone Encode'd Record, members share the batch's single version
// byte rather than carrying their own.
type Batch struct {
	Records []Record
}

func NewBatch(records ...Record) *Batch {
	return &Batch{Records: records}
}

func (b *Batch) Append(r Record) {
	b.Records = append(b.Records, r)
}

// Encode serializes the batch to its wire form.
func (b *Batch) Encode() []byte {
	w := NewWriter()
	w.PutByte(FormatVersion)
	w.PutInt32(int32(len(b.Records)))
	for _, rec := range b.Records {
		w.PutByte(byte(rec.Kind()))
		payload := NewWriter()
		rec.encode(payload)
		w.PutBytes(payload.Bytes())
	}
	return w.Bytes()
}

// DecodeBatch reverses Encode. Per the journal's replay contract, a batch
// that fails to deserialize at all is simply invalid; DecodeBatch returns an
// error and the journal recovery driver treats that as "end of this file",
// not a fatal error.
func DecodeBatch(data []byte) (*Batch, error) {
	r := NewReader(data)
	version, err := r.GetByte()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, ErrUnsupportedVersion
	}
	count, err := r.GetInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, ErrTruncated
	}
	records := make([]Record, 0, count)
	for i := int32(0); i < count; i++ {
		kindByte, err := r.GetByte()
		if err != nil {
			return nil, err
		}
		payload, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		pr := NewReader(payload)
		var rec Record
		switch Kind(kindByte) {
		case KindChunkAdded:
			rec, err = decodeChunkAdded(pr)
		case KindTruncation:
			rec, err = decodeTruncation(pr)
		case KindSegmentSnapshot:
			rec, err = decodeSegmentSnapshot(pr)
		case KindSystemSnapshot:
			rec, err = decodeSystemSnapshot(pr)
		default:
			return nil, ErrUnsupportedVersion
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return &Batch{Records: records}, nil
}
