package services

import (
	"fmt"

	"tokenlottery/internal/models"
)

// MaxWinnerWidth is the widest slice of the revealed value read as the draw.
const MaxWinnerWidth = 8

// DeriveWinner reads the first width bytes of value as a big-endian unsigned
// integer and reduces it modulo totalTickets.
//
// The reduction is biased toward low indices unless 256^width is a multiple
// of totalTickets. With width 1 only tickets 0..255 can ever win.
func DeriveWinner(value []byte, totalTickets uint64, width int) (uint64, error) {
	if totalTickets == 0 {
		return 0, models.ErrNoTicketsSold
	}
	if width < 1 || width > MaxWinnerWidth {
		return 0, fmt.Errorf("winner width %d out of range [1, %d]", width, MaxWinnerWidth)
	}
	if len(value) < width {
		return 0, fmt.Errorf("revealed value has %d bytes, need %d", len(value), width)
	}
	var n uint64
	for _, b := range value[:width] {
		n = n<<8 | uint64(b)
	}
	return n % totalTickets, nil
}
