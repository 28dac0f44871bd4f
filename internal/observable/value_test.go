package observable

import "testing"

func TestSubscribe_YieldsCurrentValue(t *testing.T) {
	v := New(3)
	ch, cancel := v.Subscribe()
	defer cancel()

	if got := <-ch; got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestSet_CoalescesToLatest(t *testing.T) {
	v := New(false)
	ch, cancel := v.Subscribe()
	defer cancel()
	<-ch

	v.Set(true)
	v.Set(false)
	v.Set(true)

	if got := <-ch; !got {
		t.Error("expected latest value true")
	}
	select {
	case got := <-ch:
		t.Errorf("expected no buffered value, got %v", got)
	default:
	}
}

func TestSet_SameValueDoesNotNotify(t *testing.T) {
	v := New("a")
	ch, cancel := v.Subscribe()
	defer cancel()
	<-ch

	v.Set("a")

	select {
	case got := <-ch:
		t.Errorf("expected no notification, got %q", got)
	default:
	}
}

func TestCancel_ClosesChannelOnce(t *testing.T) {
	v := New(1)
	ch, cancel := v.Subscribe()
	<-ch
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	v.Set(2)
	if got := v.Get(); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}
