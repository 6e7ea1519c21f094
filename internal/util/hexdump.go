package util

import (
	"fmt"
	"unicode"
)

func hexLine(data []byte, length int) string {
	hex := ""
	ascii := ""
	for i := 0; i < length; i++ {
		if i < len(data) {
			hex += fmt.Sprintf("%02x  ", data[i])
			if unicode.IsPrint(rune(data[i])) {
				ascii += fmt.Sprintf("%c", data[i])
			} else {
				ascii += "."
			}
		} else {
			hex += "    "
			ascii += " "
		}
	}
	return hex + "| " + ascii
}

// HexDump renders len bytes of data starting at start as a classic
// hex+ASCII dump. Nothing in this module calls it.
func HexDump(data []byte, start, length int) string {
	res := ""
	for length > 16 {
		res += fmt.Sprintf("%08x: %s\n", start, hexLine(data[start:], 16))
		start += 16
		length -= 16
	}
	if length > 0 {
		res += fmt.Sprintf("%08x: %s\n", start, hexLine(data[start:], length))
	}
	return res
}
