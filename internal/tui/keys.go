package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyPane3    = "3"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeySettings = "s"
	KeyApprove  = "a"
	KeyReject   = "r"
	KeyDelay    = "d"
	KeyPause    = "p"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(paused bool) string {
	kill := "p: kill switch"
	if paused {
		kill = StyleStatusFailed.Render("PAUSED") + StyleHelp.Render(" p: resume")
	}
	return StyleHelp.Render("Tab: cycle focus | j/k: select | a/r/d: approve/reject/delay | s: settings | q: quit | ") + kill
}
