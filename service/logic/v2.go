package logic

// HelloMessage is the greeting served by V2.
const HelloMessage = "Hello, World!"

// V2 keeps the V1 auction rules and adds Hello.
type V2 struct {
	V1
}

var (
	_ Logic   = V2{}
	_ Greeter = V2{}
)

// Version implements Logic.
func (V2) Version() string {
	return VersionV2
}

// Hello implements Greeter.
func (V2) Hello() string {
	return HelloMessage
}
