package dex

// codeRange covers the instructions of one method.
type codeRange struct {
	start, end FileOffset
	method     uint32
}

func byInsnsOffset(a, b interface{}) bool {
	return a.(*codeRange).start < b.(*codeRange).start
}

func (f *File) index(code *CodeItem, method uint32) {
	f.ranges.Set(&codeRange{start: code.InsnsOffset, end: code.End(), method: method})
}

// MethodAt returns the method whose instructions contain off.
func (f *File) MethodAt(off FileOffset) (*MethodID, bool) {
	var found *codeRange
	f.ranges.Descend(&codeRange{start: off}, func(item interface{}) bool {
		found = item.(*codeRange)
		return false
	})
	if found == nil || off >= found.end {
		return nil, false
	}
	return &f.methods[found.method], true
}
