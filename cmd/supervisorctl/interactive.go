package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-supervisor/api"
	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/registry"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	pathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	err       error
	client    *api.Client
	addr      string
	result    string
	endpoints []endpointInfo
	inputs    []textinput.Model
	selected  int
	focusIdx  int
	loaded    bool
	state     modelState
}

type endpointInfo struct {
	path       string
	deployment string
	function   string
	params     []paramInfo
	results    []string
	// files are execution-stage mounts; each gets a local file path input.
	files []string
}

type paramInfo struct {
	name    string
	witType wit.Type
	typeStr string
}

type modelState int

const (
	stateSelectEndpoint modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(client *api.Client, addr string) *interactiveModel {
	return &interactiveModel{
		client: client,
		addr:   addr,
		state:  stateSelectEndpoint,
	}
}

type loadedMsg struct {
	err       error
	endpoints []endpointInfo
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadEndpoints
}

func (m *interactiveModel) loadEndpoints() tea.Msg {
	deps, err := m.client.List(context.Background())
	if err != nil {
		return loadedMsg{err: err}
	}
	var eps []endpointInfo
	for _, d := range deps {
		if d.Status != registry.StatusActive {
			continue
		}
		for _, spec := range d.Endpoints {
			info, err := describeEndpoint(d.ID, spec)
			if err != nil {
				return loadedMsg{err: err}
			}
			eps = append(eps, info)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].path < eps[j].path })
	return loadedMsg{endpoints: eps}
}

func describeEndpoint(deployment string, spec registry.EndpointSpec) (endpointInfo, error) {
	info := endpointInfo{path: spec.Path, deployment: deployment, function: spec.Function}
	for i, p := range spec.Input {
		t, err := codec.ParseType(p.Type)
		if err != nil {
			return info, fmt.Errorf("%s: %w", spec.Path, err)
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		info.params = append(info.params, paramInfo{name: name, witType: t, typeStr: codec.TypeName(t)})
	}
	for _, p := range spec.Output {
		info.results = append(info.results, p.Type)
	}
	for _, mount := range spec.Mounts {
		if mount.Stage == registry.StageExecution {
			info.files = append(info.files, mount.Path)
		}
	}
	return info, nil
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectEndpoint && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectEndpoint && m.selected < len(m.endpoints)-1 {
				m.selected++
			}

		case "r":
			if m.state == stateSelectEndpoint {
				m.loaded = false
				return m, m.loadEndpoints
			}

		case "enter":
			switch m.state {
			case stateSelectEndpoint:
				if len(m.endpoints) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callEndpoint
				}
				m.state = stateInputArgs
				return m, nil

			case stateInputArgs:
				return m, m.callEndpoint

			case stateShowResult:
				m.state = stateSelectEndpoint
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectEndpoint
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectEndpoint
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		m.loaded = true
		m.err = msg.err
		m.endpoints = msg.endpoints
		if m.selected >= len(m.endpoints) {
			m.selected = 0
		}

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

// prepareInputs creates one input per parameter, then one per file mount.
func (m *interactiveModel) prepareInputs() {
	ep := m.endpoints[m.selected]
	m.inputs = make([]textinput.Model, 0, len(ep.params)+len(ep.files))
	for _, p := range ep.params {
		ti := textinput.New()
		ti.Placeholder = p.typeStr
		ti.Prompt = p.name + ": "
		ti.Width = 40
		m.inputs = append(m.inputs, ti)
	}
	for _, f := range ep.files {
		ti := textinput.New()
		ti.Placeholder = "local file path"
		ti.Prompt = f + " <- "
		ti.Width = 40
		m.inputs = append(m.inputs, ti)
	}
	if len(m.inputs) > 0 {
		m.inputs[0].Focus()
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callEndpoint() tea.Msg {
	ep := m.endpoints[m.selected]

	args := make([]json.RawMessage, len(ep.params))
	for i, p := range ep.params {
		v, err := codec.ParseText(codec.KindOf(p.witType), m.inputs[i].Value())
		if err != nil {
			return callResultMsg{err: fmt.Errorf("%s: %w", p.name, err)}
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return callResultMsg{err: err}
		}
		args[i] = raw
	}

	files := make(map[string][]byte, len(ep.files))
	for i, name := range ep.files {
		path := strings.TrimSpace(m.inputs[len(ep.params)+i].Value())
		data, err := os.ReadFile(path)
		if err != nil {
			return callResultMsg{err: fmt.Errorf("%s: %w", name, err)}
		}
		files[name] = data
	}

	res, err := m.client.Invoke(context.Background(), ep.path, args, files)
	if err != nil {
		return callResultMsg{err: err}
	}
	if !res.Success {
		return callResultMsg{err: fmt.Errorf("%s", describeFailure(res.Failure))}
	}

	values := make([]string, len(res.Values))
	for i, v := range res.Values {
		values[i] = string(v)
	}
	out := strings.Join(values, ", ")
	for name, url := range res.Files {
		out += fmt.Sprintf("\n%s: %s%s", name, strings.TrimRight(m.addr, "/"), url)
	}
	return callResultMsg{result: out}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return failStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if !m.loaded {
		return "Loading endpoints..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Supervisor"))
	b.WriteString(" ")
	b.WriteString(m.addr)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectEndpoint:
		if len(m.endpoints) == 0 {
			b.WriteString("No active deployments.\n\n")
			b.WriteString(helpStyle.Render("r reload • q quit"))
			break
		}
		b.WriteString("Select an endpoint to invoke:\n\n")
		for i, ep := range m.endpoints {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + m.formatEndpoint(ep)))
			} else {
				b.WriteString("  " + m.formatEndpoint(ep))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter invoke • r reload • q quit"))

	case stateInputArgs:
		ep := m.endpoints[m.selected]
		b.WriteString(fmt.Sprintf("Invoking %s\n\n", pathStyle.Render(ep.path)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			if i < len(ep.params) {
				b.WriteString(" ")
				b.WriteString(typeStyle.Render(ep.params[i].typeStr))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter invoke • esc back"))

	case stateShowResult:
		ep := m.endpoints[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", pathStyle.Render(ep.path)))
		if m.err != nil {
			b.WriteString(failStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(okStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatEndpoint(ep endpointInfo) string {
	var params []string
	for _, p := range ep.params {
		params = append(params, p.name+": "+typeStyle.Render(p.typeStr))
	}
	result := ""
	if len(ep.results) > 0 {
		result = " -> " + typeStyle.Render(strings.Join(ep.results, ", "))
	}
	return pathStyle.Render(ep.path) + " " + ep.function + "(" + strings.Join(params, ", ") + ")" + result
}

func runInteractive(client *api.Client, addr string) error {
	p := tea.NewProgram(newInteractiveModel(client, addr), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
