package domain

// OutputArtifact 描述一份待提交的输出产物。
//
// 不变量：
// - Name 只是文件名，不含路径分隔符
// - Wrap=true 时提交前按 WMO01 重新封装（Heading 逐字节保留来源帧的抬头）；
//   Wrap=false 时 Data 即最终落盘字节
type OutputArtifact struct {
	Name    string
	Data    []byte
	Wrap    bool
	Heading []byte
}
