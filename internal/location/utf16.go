package location

// ColumnToUTF16 converts a 1-based byte column within lineText into a
// 1-based UTF-16 code unit offset.
func ColumnToUTF16(lineText string, column int) int {
	return byteToUTF16Offset(lineText, column-1) + 1
}

// UTF16ToColumn converts a 1-based UTF-16 code unit offset within lineText
// into a 1-based byte column.
func UTF16ToColumn(lineText string, offset int) int {
	return utf16ToByteOffset(lineText, offset-1) + 1
}

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	count := 0
	for _, r := range s {
		if r >= 0x10000 {
			count += 2 // Surrogate pair
		} else {
			count++
		}
	}
	return count
}

// byteToUTF16Offset converts a byte offset within s to a UTF-16 offset.
func byteToUTF16Offset(s string, byteOff int) int {
	if byteOff <= 0 {
		return 0
	}
	if byteOff >= len(s) {
		return utf16Len(s) + byteOff - len(s)
	}

	utf16Off := 0
	for i, r := range s {
		if i >= byteOff {
			break
		}
		if r >= 0x10000 {
			utf16Off += 2
		} else {
			utf16Off++
		}
	}
	return utf16Off
}

// utf16ToByteOffset converts a UTF-16 offset within s to a byte offset.
func utf16ToByteOffset(s string, utf16Off int) int {
	if utf16Off <= 0 {
		return 0
	}

	utf16Count := 0
	for i, r := range s {
		if utf16Count >= utf16Off {
			return i
		}
		if r >= 0x10000 {
			utf16Count += 2
		} else {
			utf16Count++
		}
	}
	return len(s) + utf16Off - utf16Count
}
