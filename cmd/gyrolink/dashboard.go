package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/srg/gyrolink/internal/orchestrator"
	"github.com/srg/gyrolink/internal/orientation"
)

type (
	updateMsg        orchestrator.Update
	updatesClosedMsg struct{}
	refreshDoneMsg   struct {
		link orchestrator.LinkStatus
		err  error
	}
)

// dashboard is the bubbletea model of the serve --tui screen. Update has
// no side effects; refreshing and reading updates happen in commands.
type dashboard struct {
	name    string
	updates <-chan orchestrator.Update
	refresh func() (orchestrator.LinkStatus, error)

	sample     orientation.Sample
	hasSample  bool
	link       orchestrator.LinkStatus
	refreshing bool
	lastErr    error
	quitting   bool
}

func newDashboard(name string, updates <-chan orchestrator.Update, refresh func() (orchestrator.LinkStatus, error)) dashboard {
	return dashboard{name: name, updates: updates, refresh: refresh}
}

func (m dashboard) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func waitForUpdate(ch <-chan orchestrator.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg(u)
	}
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if m.refreshing || m.refresh == nil {
				return m, nil
			}
			m.refreshing = true
			m.link = orchestrator.LinkStarting
			refresh := m.refresh
			return m, func() tea.Msg {
				link, err := refresh()
				return refreshDoneMsg{link: link, err: err}
			}
		}

	case updateMsg:
		m.sample, m.hasSample = msg.Sample, true
		if !m.refreshing {
			m.link = msg.Link
		}
		return m, waitForUpdate(m.updates)

	case refreshDoneMsg:
		m.refreshing = false
		m.link = msg.link
		m.lastErr = msg.err
		return m, nil

	case updatesClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m dashboard) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n\n", m.name, m.linkLabel())

	if m.hasSample {
		roll, pitch, yaw := m.sample.Degrees()
		fmt.Fprintf(&b, "  roll   %8.2f°  %8.4f rad\n", roll, m.sample.Roll)
		fmt.Fprintf(&b, "  pitch  %8.2f°  %8.4f rad\n", pitch, m.sample.Pitch)
		fmt.Fprintf(&b, "  yaw    %8.2f°  %8.4f rad\n", yaw, m.sample.Yaw)
	} else {
		b.WriteString("  waiting for samples\n")
	}

	if m.lastErr != nil {
		fmt.Fprintf(&b, "\n  error: %s\n", m.lastErr)
	}
	b.WriteString("\n  [r] refresh  [q] quit\n")
	return b.String()
}

func (m dashboard) linkLabel() string {
	if m.refreshing {
		return "BLE refreshing…"
	}
	if m.link.Active() {
		return "BLE active"
	}
	return "BLE " + m.link.String()
}
