package monitor

import "os"

// fakeCommander records every command it receives and plays back scripted
// responses. With no script it acknowledges everything.
type fakeCommander struct {
	cmds      []string
	responses []string
	err       error
}

func (f *fakeCommander) Run(cmd []byte) ([]byte, error) {
	f.cmds = append(f.cmds, string(cmd))
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return []byte(`{"return":{}}`), nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return []byte(resp), nil
}

// fakeFileCommander additionally accepts descriptor-passing commands.
type fakeFileCommander struct {
	fakeCommander
	files []*os.File
	resp  string
}

func (f *fakeFileCommander) RunWithFile(cmd []byte, file *os.File) ([]byte, error) {
	f.cmds = append(f.cmds, string(cmd))
	f.files = append(f.files, file)
	if f.resp == "" {
		return []byte(`{"return":{"fdset-id":4,"fd":33}}`), nil
	}
	return []byte(f.resp), nil
}
