// Package tictactoe реализует крестики-нолики с шахматными часами
// поверх движка сессий: эталонная игра для интеграционных тестов
// и ручной проверки через cmd/arena bot.
package tictactoe

// Mark values stored in board cells.
const (
	MarkX     = 1
	MarkO     = -1
	MarkEmpty = 0
)

// Board is a 3x3 field. Клетки хранятся плоско, ячейка (i, j) лежит
// в cells[i+3*j], в этом же порядке поле уезжает клиенту в кадрах.
type Board struct {
	cells [9]int
	state int
	moves int
}

// Place puts mark into cell (i, j). Возвращает false для хода за
// границы поля или в занятую клетку.
func (b *Board) Place(i, j, mark int) bool {
	if i < 0 || i > 2 || j < 0 || j > 2 {
		return false
	}
	if b.at(i, j) != MarkEmpty {
		return false
	}
	b.cells[i+3*j] = mark
	b.moves++
	b.updateState(i, j, mark)
	return true
}

// State returns the winning mark, MarkEmpty while nobody won.
func (b *Board) State() int { return b.state }

// Done reports a full board or a winning line.
func (b *Board) Done() bool { return b.moves == 9 || b.state != MarkEmpty }

// Cells returns a copy of the flat 9-cell field.
func (b *Board) Cells() []int {
	out := make([]int, len(b.cells))
	copy(out, b.cells[:])
	return out
}

func (b *Board) at(i, j int) int { return b.cells[i+3*j] }

// updateState проверяет только линии, проходящие через (i, j).
func (b *Board) updateState(i, j, mark int) {
	if b.at(i, 0) == mark && b.at(i, 1) == mark && b.at(i, 2) == mark {
		b.state = mark
		return
	}
	if b.at(0, j) == mark && b.at(1, j) == mark && b.at(2, j) == mark {
		b.state = mark
		return
	}
	if i == j && b.at(0, 0) == mark && b.at(1, 1) == mark && b.at(2, 2) == mark {
		b.state = mark
		return
	}
	if i+j == 2 && b.at(0, 2) == mark && b.at(1, 1) == mark && b.at(2, 0) == mark {
		b.state = mark
	}
}
