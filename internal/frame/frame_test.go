package frame

import "testing"

func TestCloneIsIndependent(t *testing.T) {
	f := Frame("ok\n")
	c := f.Clone()
	c[0] = 'X'
	if string(f) != "ok\n" {
		t.Fatalf("original modified: %q", f)
	}
	if Frame(nil).Clone() != nil {
		t.Fatalf("nil clone should stay nil")
	}
}

func TestParseTopic(t *testing.T) {
	for _, name := range []string{"from-serial", "to-serial"} {
		if _, err := ParseTopic(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := ParseTopic("sideways"); err == nil {
		t.Fatalf("expected error for unknown topic")
	}
}
