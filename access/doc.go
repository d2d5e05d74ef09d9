// 包 access 判断调用方能否使用某个 Agent，并处理 Agent 购买。
//
// 免费 Agent、Agent 创建者、以及存在购买记录的用户拥有访问权；缺少购买记录时拒绝。
// 购买在一个事务内完成：扣减买方全价、按分成比例给创建者入账、写入所有权记录，
// 任一步失败整体回滚。
package access
