package arm64

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// PutWord writes w little-endian at word index idx of code.
func PutWord(code []byte, idx int, w uint32) {
	binary.LittleEndian.PutUint32(code[idx*4:], w)
}

// Word reads the little-endian word at word index idx of code.
func Word(code []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(code[idx*4:])
}

// Mnemonic decodes a single word in GNU syntax, or returns "" if the decoder rejects it.
func Mnemonic(w uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	inst, err := arm64asm.Decode(b[:])
	if err != nil {
		return ""
	}
	return arm64asm.GNUSyntax(inst)
}

// Disassemble renders one line per word. Words the decoder does not know are
// printed as .word directives.
func Disassemble(code []byte) string {
	var sb strings.Builder
	for offset := 0; offset+4 <= len(code); offset += 4 {
		w := binary.LittleEndian.Uint32(code[offset:])
		text := Mnemonic(w)
		if text == "" {
			text = fmt.Sprintf(".word 0x%08x", w)
		}
		sb.WriteString(fmt.Sprintf("0x%04x: %08x  %s\n", offset, w, text))
	}
	return sb.String()
}
